package logger

// RedactContact masks a contact identifier (usually a phone number) for
// safe logging, keeping only the last two characters.
// "+254712345678" → "***********78"
// Values of 4 characters or fewer are fully masked.
func RedactContact(contact string) string {
	if len(contact) <= 4 {
		return "****"
	}
	masked := make([]byte, len(contact)-2)
	for i := range masked {
		masked[i] = '*'
	}
	return string(masked) + contact[len(contact)-2:]
}
