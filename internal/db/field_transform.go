package db

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/mail"
	neturl "net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt cost used when hashing Password fields.
var PasswordCost = bcrypt.DefaultCost

// transformField runs the write filter and then the type transform. It
// mutates *v into canonical form or reports rejection.
func (f *Field) transformField(s *Scheme, patch Dict, v *Value, isCreate bool) bool {
	if f.writeFilter != nil {
		if !f.writeFilter(s, patch, v, isCreate) {
			return false
		}
	}
	return f.transformValue(s, patch, v, isCreate)
}

// TransformValue canonicalizes v for storage in f. It never errors: a false
// return means the value is rejected.
func (f *Field) TransformValue(s *Scheme, patch Dict, v *Value, isCreate bool) bool {
	return f.transformField(s, patch, v, isCreate)
}

func (f *Field) transformValue(s *Scheme, patch Dict, v *Value, isCreate bool) bool {
	switch f.typ {
	case TypeText:
		return f.transformText(v)
	case TypeBytes:
		if f.transform == TransformPassword {
			return f.transformPassword(v)
		}
		return f.transformBytes(v)
	case TypeExtra:
		return f.transformExtra(s, patch, v, isCreate)
	case TypeObject:
		switch t := (*v).(type) {
		case Dict:
			// created through the foreign scheme by the backend
			return true
		default:
			if !isBasic(t) {
				return false
			}
			id, _ := AsInt64(t)
			*v = id
			return true
		}
	case TypeSet:
		arr, ok := (*v).([]any)
		if !ok {
			return false
		}
		out := arr[:0]
		for _, it := range arr {
			switch t := it.(type) {
			case []any:
				continue
			case Dict:
				out = append(out, t)
			default:
				if isBasic(t) {
					if id, ok := AsInt64(t); ok && id != 0 {
						out = append(out, id)
						continue
					}
				}
				out = append(out, t)
			}
		}
		*v = out
		return true
	case TypeArray:
		arr, ok := (*v).([]any)
		if !ok {
			return false
		}
		if f.elem == nil {
			return true
		}
		out := arr[:0]
		for _, it := range arr {
			item := it
			if f.elem.transformField(s, patch, &item, isCreate) {
				out = append(out, item)
			}
		}
		*v = out
		return true
	case TypeView, TypeFullTextView:
		return false
	case TypeCustom:
		if f.custom == nil {
			return false
		}
		return f.custom.TransformValue(s, patch, v, isCreate)
	case TypeData:
		return true
	}

	if !isBasic(*v) {
		return false
	}

	switch f.typ {
	case TypeInteger:
		i, _ := AsInt64(*v)
		*v = i
	case TypeFloat:
		fl, _ := AsFloat64(*v)
		*v = fl
	case TypeBoolean:
		*v = asBool(*v)
	case TypeFile, TypeImage:
		return isInteger(*v)
	default:
		return false
	}
	return true
}

func (f *Field) transformText(v *Value) bool {
	if !isBasic(*v) {
		return false
	}
	str, ok := (*v).(string)
	if !ok {
		str = AsString(*v)
	}
	n := utf8.RuneCountInString(str)
	if n < f.minLength || n > f.maxLength {
		return false
	}

	switch f.transform {
	case TransformNone, TransformText:
		if !validateText(str) {
			return false
		}
	case TransformIdentifier, TransformAlias:
		if !validateIdentifier(str) {
			return false
		}
	case TransformUrl:
		u, ok := validateURL(str)
		if !ok {
			return false
		}
		str = u
	case TransformEmail:
		e, ok := validateEmail(str)
		if !ok {
			return false
		}
		str = e
	case TransformNumber:
		if !validateNumber(str) {
			return false
		}
	case TransformHex:
		if !validateHex(str) {
			return false
		}
	case TransformBase64:
		if !validateBase64(str) {
			return false
		}
	}
	*v = str
	return true
}

func (f *Field) transformBytes(v *Value) bool {
	var b []byte
	switch t := (*v).(type) {
	case string:
		var err error
		switch {
		case len(t) > 4 && strings.EqualFold(t[:4], "hex:"):
			b, err = hex.DecodeString(t[4:])
		case len(t) > 7 && strings.EqualFold(t[:7], "base64:"):
			b, err = decodeBase64(t[7:])
		case f.transform == TransformUuid:
			var id uuid.UUID
			id, err = uuid.Parse(t)
			b = append([]byte(nil), id[:]...)
		default:
			return false
		}
		if err != nil {
			return false
		}
	case []byte:
		b = t
	default:
		return false
	}
	if len(b) < f.minLength || len(b) > f.maxLength {
		return false
	}
	if f.transform == TransformUuid && len(b) != 16 {
		return false
	}
	*v = b
	return true
}

func (f *Field) transformPassword(v *Value) bool {
	switch t := (*v).(type) {
	case string:
		n := utf8.RuneCountInString(t)
		if n < f.minLength || n > f.maxLength {
			return false
		}
		hash, err := MakePassword(t, f.salt)
		if err != nil {
			return false
		}
		*v = hash
		return true
	case []byte:
		return true
	}
	return false
}

func (f *Field) transformExtra(s *Scheme, patch Dict, v *Value, isCreate bool) bool {
	process := func(item Value) (Dict, bool) {
		d, ok := item.(Dict)
		if !ok {
			return nil, false
		}
		for key, val := range d {
			sub, ok := f.fields[key]
			if !ok {
				delete(d, key)
				continue
			}
			if val == nil {
				continue
			}
			if !sub.transformField(s, patch, &val, isCreate) {
				delete(d, key)
				continue
			}
			d[key] = val
		}
		return d, len(d) > 0
	}

	if f.transform == TransformArray {
		arr, ok := (*v).([]any)
		if !ok {
			return false
		}
		out := arr[:0]
		for _, it := range arr {
			if d, ok := process(it); ok {
				out = append(out, d)
			}
		}
		*v = out
		return len(out) > 0
	}

	_, ok := process(*v)
	return ok
}

// MakePassword hashes a password with the field salt. The salt is mixed in
// with HMAC before bcrypt so that the bcrypt input stays within its limit.
func MakePassword(password, salt string) ([]byte, error) {
	return bcrypt.GenerateFromPassword(pepper(password, salt), PasswordCost)
}

// ValidatePassword checks a plaintext password against a stored hash.
func ValidatePassword(password string, hash []byte, salt string) bool {
	return bcrypt.CompareHashAndPassword(hash, pepper(password, salt)) == nil
}

func pepper(password, salt string) []byte {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(password))
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

func newUUIDBytes() []byte {
	id := uuid.New()
	return append([]byte(nil), id[:]...)
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// validateIdentifier accepts [a-zA-Z0-9_] first, then [a-zA-Z0-9_-.@].
func validateIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		case i > 0 && (r == '-' || r == '.' || r == '@'):
		default:
			return false
		}
	}
	return true
}

// validateText rejects control characters other than \b \t \n \f \r.
func validateText(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 32 && c != 8 && c != 9 && c != 10 && c != 12 && c != 13 {
			return false
		}
	}
	return true
}

func validateNumber(s string) bool {
	if s == "" {
		return false
	}
	s = strings.TrimPrefix(s, "-")
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func validateHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func validateBase64(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
			c == '+' || c == '/' || c == '=' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

// validateEmail normalizes an address, dropping a trailing "(comment)".
func validateEmail(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, ")") {
		pos := strings.LastIndex(s, "(")
		if pos < 0 {
			return "", false
		}
		s = strings.TrimSpace(s[:pos])
	}
	if s == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" {
		return "", false
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 {
		return "", false
	}
	return addr.Address[:at] + "@" + strings.ToLower(addr.Address[at+1:]), true
}

// validateURL accepts absolute URLs with a host and relative paths longer
// than one character.
func validateURL(s string) (string, bool) {
	value := strings.TrimSpace(s)
	if value == "" || strings.ContainsAny(value, " \t\r\n") {
		return "", false
	}
	parsed, err := neturl.Parse(value)
	if err != nil {
		return "", false
	}
	if parsed.Host == "" && len(parsed.Path) < 2 && parsed.Opaque == "" {
		return "", false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		if parsed.Host == "" {
			return "", false
		}
	}
	return parsed.String(), true
}
