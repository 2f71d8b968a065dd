package apitypes

// Gemini native generateContent wire types, kept to the fields this relay sends.

type Part struct {
	Text string `json:"text"`
}

type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type GenerateContentRequest struct {
	Contents []Content `json:"contents"`
}

// NewPromptRequest wraps a single user prompt in the shape the
// generateContent endpoint expects.
func NewPromptRequest(prompt string) *GenerateContentRequest {
	return &GenerateContentRequest{
		Contents: []Content{
			{
				Role:  "user",
				Parts: []Part{{Text: prompt}},
			},
		},
	}
}
