// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

// The numeric replies a client cares about during registration and
// normal operation. Numerics not listed here are forwarded to the
// application unchanged.
const (
	RPL_WELCOME          = "001"
	RPL_YOURHOST         = "002"
	RPL_CREATED          = "003"
	RPL_MYINFO           = "004"
	RPL_ISUPPORT         = "005"
	RPL_ENDOFMOTD        = "376"
	ERR_NOMOTD           = "422"
	ERR_ERRONEUSNICK     = "432"
	ERR_NICKNAMEINUSE    = "433"
	ERR_NICKCOLLISION    = "436"
	ERR_PASSWDMISMATCH   = "464"
	ERR_YOUREBANNEDCREEP = "465"

	RPL_LOGGEDIN    = "900"
	RPL_LOGGEDOUT   = "901"
	ERR_NICKLOCKED  = "902"
	RPL_SASLSUCCESS = "903"
	ERR_SASLFAIL    = "904"
	ERR_SASLTOOLONG = "905"
	ERR_SASLABORTED = "906"
	ERR_SASLALREADY = "907"
	RPL_SASLMECHS   = "908"
)
