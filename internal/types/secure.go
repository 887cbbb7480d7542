package types

// SecretString holds a credential (gateway server key, API secret) and
// redacts itself in every rendered form. Only Unmask returns the value.
type SecretString string

const redacted = "[REDACTED]"

func (s SecretString) String() string { return redacted }

func (s SecretString) GoString() string { return redacted }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (s SecretString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// Unmask returns the underlying secret. Call sites should pass the result
// directly to the consumer rather than storing it.
func (s SecretString) Unmask() string { return string(s) }

// IsSet reports whether a non-empty secret was configured.
func (s SecretString) IsSet() bool { return s != "" }
