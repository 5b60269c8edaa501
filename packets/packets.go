// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

// Package packets contains the decoded representations of the MQTT 3.1/3.1.1
// control packets consumed and emitted by the session core. Encoding and
// decoding of the wire format is the responsibility of the transport codec.
package packets

import (
	"fmt"

	"github.com/jinzhu/copier"
)

// All of the valid packet types and their packet identifiers.
const (
	Reserved    byte = iota
	Connect          // 1
	Connack          // 2
	Publish          // 3
	Puback           // 4
	Pubrec           // 5
	Pubrel           // 6
	Pubcomp          // 7
	Subscribe        // 8
	Suback           // 9
	Unsubscribe      // 10
	Unsuback         // 11
	Pingreq          // 12
	Pingresp         // 13
	Disconnect       // 14
)

// Names is a map providing human-readable names for the different
// MQTT packet types based on their ids.
var Names = map[byte]string{
	0:  "RESERVED",
	1:  "CONNECT",
	2:  "CONNACK",
	3:  "PUBLISH",
	4:  "PUBACK",
	5:  "PUBREC",
	6:  "PUBREL",
	7:  "PUBCOMP",
	8:  "SUBSCRIBE",
	9:  "SUBACK",
	10: "UNSUBSCRIBE",
	11: "UNSUBACK",
	12: "PINGREQ",
	13: "PINGRESP",
	14: "DISCONNECT",
}

// FixedHeader contains the fixed header properties of a control packet.
type FixedHeader struct {
	Type   byte // the type of the packet (PUBLISH, SUBSCRIBE, etc)
	Dup    bool // indicates if the packet was already sent at an earlier time
	Qos    byte // indicates the quality of service expected
	Retain bool // whether the message should be retained
}

// ConnectParams contains the connection parameters read from a CONNECT packet.
type ConnectParams struct {
	ClientIdentifier string // the peer-supplied client id, may be empty
	Username         []byte // the username the client authenticates with
	Password         []byte // the password the client authenticates with
	WillTopic        string // the topic the will message is published to
	WillPayload      []byte // the will message payload
	Keepalive        uint16 // seconds the connection may remain idle
	WillQos          byte   // the qos the will message is published with
	Clean            bool   // whether the client requested a clean session
	WillFlag         bool   // whether a will message was supplied
	WillRetain       bool   // whether the will message should be retained
}

// Subscription is a filter and qos pair requested in a SUBSCRIBE or
// UNSUBSCRIBE packet.
type Subscription struct {
	Filter string
	Qos    byte
}

// Packet is a decoded MQTT control packet. Only the fields relevant to the
// packet's type are populated.
type Packet struct {
	Connect        ConnectParams  // CONNECT fields
	Filters        []Subscription // SUBSCRIBE/UNSUBSCRIBE filters
	ReasonCodes    []byte         // SUBACK granted qos values
	TopicName      string         // PUBLISH topic
	Payload        []byte         // PUBLISH payload
	Origin         string         // the id of the client the packet originated from
	FixedHeader    FixedHeader    // the fixed header values
	Created        int64          // unixtime the packet was received or created
	PacketID       uint16         // the packet identifier
	ReasonCode     byte           // CONNACK return code
	SessionPresent bool           // CONNACK session present flag
}

// Copy returns a deep copy of the packet so the original byte slices can be
// mutated or released without affecting the copy.
func (pk Packet) Copy() Packet {
	var out Packet
	_ = copier.CopyWithOption(&out, &pk, copier.Option{DeepCopy: true})
	return out
}

// FormatID returns the packet id as a string.
func (pk Packet) FormatID() string {
	return fmt.Sprint(pk.PacketID)
}
