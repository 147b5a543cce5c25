package checks

// Network compares the network identifier a device reports with the one the
// session was opened on. A session without an expected identifier accepts any
// value.
//
// The claimed identifier is self-reported by the client, so a match is only a
// weak signal: nothing proves the device is actually on that network.
func Network(expected, claimed string) bool {
	if expected == "" {
		return true
	}
	return claimed == expected
}
