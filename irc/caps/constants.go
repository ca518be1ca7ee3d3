// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package caps

// Capability represents an optional feature that we may request from a server.
type Capability string

const (
	// AccountNotify is this IRCv3 capability: https://ircv3.net/specs/extensions/account-notify
	AccountNotify Capability = "account-notify"
	// AccountTag is this IRCv3 capability: https://ircv3.net/specs/extensions/account-tag
	AccountTag Capability = "account-tag"
	// AwayNotify is this IRCv3 capability: https://ircv3.net/specs/extensions/away-notify
	AwayNotify Capability = "away-notify"
	// Batch is this IRCv3 capability: https://ircv3.net/specs/extensions/batch
	Batch Capability = "batch"
	// CapNotify is this IRCv3 capability: https://ircv3.net/specs/extensions/capability-negotiation
	CapNotify Capability = "cap-notify"
	// ChgHost is this IRCv3 capability: https://ircv3.net/specs/extensions/chghost
	ChgHost Capability = "chghost"
	// EchoMessage is this IRCv3 capability: https://ircv3.net/specs/extensions/echo-message
	EchoMessage Capability = "echo-message"
	// ExtendedJoin is this IRCv3 capability: https://ircv3.net/specs/extensions/extended-join
	ExtendedJoin Capability = "extended-join"
	// MessageTags is this IRCv3 capability: https://ircv3.net/specs/extensions/message-tags
	MessageTags Capability = "message-tags"
	// MultiPrefix is this IRCv3 capability: https://ircv3.net/specs/extensions/multi-prefix
	MultiPrefix Capability = "multi-prefix"
	// SASL is this IRCv3 capability: https://ircv3.net/specs/extensions/sasl-3.2
	SASL Capability = "sasl"
	// ServerTime is this IRCv3 capability: https://ircv3.net/specs/extensions/server-time
	ServerTime Capability = "server-time"
	// SetName is this IRCv3 capability: https://ircv3.net/specs/extensions/setname
	SetName Capability = "setname"
	// UserhostInNames is this IRCv3 capability: https://ircv3.net/specs/extensions/userhost-in-names
	UserhostInNames Capability = "userhost-in-names"
)

// Supported lists every capability this client knows how to handle; we
// request the intersection of this list and what the server offers.
var Supported = []Capability{
	AccountNotify,
	AccountTag,
	AwayNotify,
	Batch,
	CapNotify,
	ChgHost,
	EchoMessage,
	ExtendedJoin,
	MessageTags,
	MultiPrefix,
	SASL,
	ServerTime,
	SetName,
	UserhostInNames,
}

// Name returns the name of the given capability.
func (capability Capability) Name() string {
	return string(capability)
}

// IsSupported returns whether this client implements the named capability.
func IsSupported(name string) bool {
	for _, capab := range Supported {
		if string(capab) == name {
			return true
		}
	}
	return false
}
