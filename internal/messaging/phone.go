package messaging

import "strings"

// NormalizeE164 ensures the value begins with + and only contains digits afterward.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}

// addressFor prefixes the number the way Twilio expects for the channel.
func addressFor(number string, channel Channel) string {
	number = NormalizeE164(strings.TrimPrefix(number, "whatsapp:"))
	if channel == ChannelWhatsApp {
		return "whatsapp:" + number
	}
	return number
}
