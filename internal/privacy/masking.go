// Package privacy masks contact data before it reaches logs.
package privacy

import (
	"strings"

	"whatsauto/internal/constants"
)

// MaskPhoneNumber keeps only the last 4 digits.
// Example: "+1234567890" -> "+******7890"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}

	if strings.HasPrefix(phone, "+") {
		if len(phone) == 1 {
			return phone
		}
		return "+" + maskString(phone[1:], constants.DefaultPhoneMaskLength)
	}
	return maskString(phone, constants.DefaultPhoneMaskLength)
}

// MaskMessageID shortens a provider message id to its last 8 characters.
// Example: "wamid.HBgLMTU1NTAwMDAwMDEVAgARGBI" -> "************************AARGBI"
func MaskMessageID(messageID string) string {
	return maskString(messageID, constants.DefaultMessageIDLength)
}

// MaskContactID masks a CRM contact id. Ids that look like phone numbers
// are masked as phone numbers.
func MaskContactID(contactID string) string {
	if contactID == "" {
		return ""
	}
	if strings.HasPrefix(contactID, "+") || (len(contactID) >= 10 && isNumeric(contactID)) {
		return MaskPhoneNumber(contactID)
	}
	return maskString(contactID, 4)
}

// MaskName keeps the first letter of each word
// Example: "Ann Lee" -> "A** L**"
func MaskName(name string) string {
	words := strings.Fields(name)
	for i, w := range words {
		runes := []rune(w)
		words[i] = string(runes[0]) + strings.Repeat("*", len(runes)-1)
	}
	return strings.Join(words, " ")
}

func maskString(s string, keepLast int) string {
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// MaskSensitiveFields returns a copy of fields with contact data masked.
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "phone", "phone_number", "from", "to", "recipient_id":
			masked[k] = MaskPhoneNumber(s)
		case "provider_message_id", "message_id", "messageId":
			masked[k] = MaskMessageID(s)
		case "contact_id", "contactId", "conversation_id", "conversationId":
			masked[k] = MaskContactID(s)
		case "name", "contact_name":
			masked[k] = MaskName(s)
		default:
			masked[k] = v
		}
	}
	return masked
}
