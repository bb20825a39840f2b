package whatsapp

// Outbound Cloud API payloads. Only the message kinds this service sends are
// modelled.

type GenericMessage struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type,omitempty"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Text             *TextObj        `json:"text,omitempty"`
	Template         *TemplateObj    `json:"template,omitempty"`
	Interactive      *InteractiveObj `json:"interactive,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type TemplateObj struct {
	Name       string         `json:"name"`
	Language   LanguageObj    `json:"language"`
	Components []ComponentObj `json:"components,omitempty"`
}

type LanguageObj struct {
	Code string `json:"code"`
}

type ComponentObj struct {
	Type       string         `json:"type"`
	Parameters []ParameterObj `json:"parameters"`
}

type ParameterObj struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type InteractiveObj struct {
	Type   string    `json:"type"`
	Body   BodyObj   `json:"body"`
	Action ActionObj `json:"action"`
}

type BodyObj struct {
	Text string `json:"text"`
}

type ActionObj struct {
	Buttons []ButtonObj `json:"buttons"`
}

type ButtonObj struct {
	Type  string   `json:"type"`
	Reply ReplyObj `json:"reply"`
}

type ReplyObj struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// sendResponse is the success body of POST /messages.
type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// errorResponse is the Graph API error envelope.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}
