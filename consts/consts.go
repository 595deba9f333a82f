package consts

// Version is the dcsync release, overridden at build time with -ldflags "-X"
var Version = "dev"

// Defaults for institutions that need a recognized client to be sent
const (
	DefaultAppID      = "QWIN"
	DefaultAppVersion = "2700"
	DefaultUserAgent  = "InetClntApp/3.0"
	DefaultLanguage   = "ENG"
)
