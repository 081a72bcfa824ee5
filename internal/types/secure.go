package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"` + redactedPlaceholder + `"`)

// SecretString hides its value from fmt and encoding/json. Call Unmask only
// at the point the raw value is handed to a client or driver.
type SecretString string

func (s SecretString) String() string {
	return redactedPlaceholder
}

func (s SecretString) GoString() string {
	return redactedPlaceholder
}

func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

func (s SecretString) Unmask() string {
	return string(s)
}
