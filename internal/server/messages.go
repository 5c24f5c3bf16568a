package server

// Messages holds the client-facing response texts.
type Messages struct {
	InternalError string
	BadPageName   string
	WrongCaptcha  string
	InvalidURL    string
	RecordedURL   string
	PleaseWait    string
}

// DefaultMessages is the built-in English text.
var DefaultMessages = Messages{
	InternalError: "Internal server error.",
	BadPageName:   "Bad page name.",
	WrongCaptcha:  "Wrong captcha.",
	InvalidURL:    "Invalid URL.",
	RecordedURL:   "Recorded URL: ",
	PleaseWait:    "Too many attempts from your IP. Wait this many seconds: ",
}

// withDefaults fills empty fields from DefaultMessages.
func (m Messages) withDefaults() Messages {
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&m.InternalError, DefaultMessages.InternalError)
	fill(&m.BadPageName, DefaultMessages.BadPageName)
	fill(&m.WrongCaptcha, DefaultMessages.WrongCaptcha)
	fill(&m.InvalidURL, DefaultMessages.InvalidURL)
	fill(&m.RecordedURL, DefaultMessages.RecordedURL)
	fill(&m.PleaseWait, DefaultMessages.PleaseWait)
	return m
}
