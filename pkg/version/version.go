package version

// Version is the current version of callaudit
const Version = "0.3.0"

// UserAgent returns the User-Agent string for outbound requests
func UserAgent() string {
	return "callaudit/" + Version
}

// ServerHeader returns the Server header value for HTTP responses
func ServerHeader() string {
	return "callaudit/" + Version
}
