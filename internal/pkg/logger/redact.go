package logger

// RedactSecret masks a credential, keeping the first two characters so
// operators can tell which key was in play without exposing it.
func RedactSecret(s string) string {
	if len(s) <= 4 {
		return "***"
	}
	return s[:2] + "***"
}
