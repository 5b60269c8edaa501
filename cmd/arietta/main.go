// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	arietta "github.com/arietta-io/arietta"
	"github.com/arietta-io/arietta/bus"
	"github.com/arietta-io/arietta/hooks/auth"
	"github.com/arietta-io/arietta/hooks/storage/bolt"
)

func main() {
	configFile := flag.String("config", "", "path to a yaml configuration file")
	boltPath := flag.String("bolt", ".bolt", "path to the bolt session store")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	opts, err := arietta.OpenConfigFile(*configFile)
	if err != nil {
		log.Fatal(err)
	}

	server := arietta.New(opts)

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		log.Fatal(err)
	}

	if err := server.AddHook(new(bolt.Hook), &bolt.Options{Path: *boltPath}); err != nil {
		log.Fatal(err)
	}

	if err := server.Serve(); err != nil {
		log.Fatal(err)
	}

	// A direct registration showing traffic without any transport attached.
	reg, err := server.Subscribe("arietta/uptime", func(topic string, payload []byte, opts *bus.Options) {
		server.Log.Info("received message", "topic", topic, "payload", string(payload))
	})
	if err != nil {
		log.Fatal(err)
	}
	defer server.Unsubscribe(reg)

	go func() {
		for t := range time.Tick(10 * time.Second) {
			err := server.PublishMessage("arietta/uptime", []byte(t.Format(time.RFC3339)), 0, false)
			if err != nil {
				server.Log.Error("failed publishing uptime", "error", err)
			}
		}
	}()

	<-done
	server.Close()
}
