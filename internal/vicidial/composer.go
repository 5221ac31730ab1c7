package vicidial

import (
	"fmt"
	"strings"
	"time"
)

// Identifier construction rules for queued commands. The dialer echoes these
// tokens back in later events and log rows, so the exact formats matter.

// ManualDialCallerID builds the caller-id token for a manual outbound call:
// M + mmddHHiiss + the lead id zero-padded to 10 digits. The token doubles
// as the session's correlation channel until the live channel is known.
func ManualDialCallerID(now time.Time, leadID int64) string {
	return fmt.Sprintf("M%s%010d", now.Format("0102150405"), leadID)
}

// LoginCallerID builds the caller-id for the login Originate that rings the
// agent's softphone into their conference room
func LoginCallerID(now time.Time, confExten string) string {
	return fmt.Sprintf("S%d_%s", now.Unix(), confExten)
}

// HangupCallerID builds the de-duplication token for a customer-leg hangup.
// Not used for correlation.
func HangupCallerID(now time.Time, confExten string) string {
	return fmt.Sprintf("MDHU%s_%d", confExten, now.Unix())
}

// KickallCallerID builds the de-duplication token for the logout eviction
func KickallCallerID(now time.Time, confExten string) string {
	return fmt.Sprintf("ULVD%s_%d", confExten, now.Unix())
}

// LocalDialChannel builds the indirect channel that routes a manual dial
// through the agent's conference bridge
func LocalDialChannel(confExten, extContext string) string {
	return fmt.Sprintf("Local/%s@%s/n", confExten, extContext)
}

// KickallChannel builds the indirect channel whose 5555-prefixed extension
// clears every participant out of the conference room
func KickallChannel(confExten, extContext string) string {
	return fmt.Sprintf("Local/5555%s@%s", confExten, extContext)
}

// DialString assembles the number handed to the dialer as the Exten: the
// campaign dial prefix, then the phone country code unless the campaign
// omits it, then the number itself. A prefix containing "x" means prefixing
// is disabled for the campaign.
func DialString(dialPrefix, phoneCode, phoneNumber string, omitPhoneCode bool) string {
	prefix := dialPrefix
	if prefix == "" || strings.Contains(strings.ToLower(prefix), "x") {
		prefix = ""
	}
	if omitPhoneCode {
		return prefix + phoneNumber
	}
	return prefix + phoneCode + phoneNumber
}
