package extract

import "context"

// Plaintext passes text through with normalization only.
type Plaintext struct{}

func (*Plaintext) Format() Format { return FormatPlain }

func (*Plaintext) Extract(_ context.Context, data []byte) (*Document, error) {
	return assemble("", FormatPlain, Paragraphs(string(data))), nil
}
