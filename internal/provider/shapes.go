package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/openai/openai-go"
)

func marshalBody(payload any) ([]byte, error) {
	return json.Marshal(payload)
}

// errorEnvelope covers {"error":{"message":...}} (Gemini, OpenAI-compatible) and
// {"error":"..."} (HuggingFace inference).
type errorEnvelope struct {
	Error json.RawMessage `json:"error"`
}

func parseErrorDetail(body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Error) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(env.Error, &asString); err == nil {
		return asString
	}
	var asObject struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Error, &asObject); err == nil {
		return asObject.Message
	}
	return ""
}

// geminiShape speaks generateContent with the key in the query string.
type geminiShape struct{}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (geminiShape) request(c *Client, in Input) (string, any, error) {
	parts := []geminiPart{{Text: c.composePrompt(in)}}
	for _, f := range in.Media {
		if len(f.ImageData) == 0 {
			continue
		}
		mime, data := encodeFrame(f)
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: mime, Data: data}})
	}

	req := geminiRequest{Contents: []geminiContent{{Parts: parts}}}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.modelFor(in), url.QueryEscape(c.apiKey))
	return endpoint, req, nil
}

func (geminiShape) authorize(*http.Request, string) {}

func (geminiShape) errorDetail(body []byte) string {
	return parseErrorDetail(body)
}

func (geminiShape) extract(body []byte) (string, *Error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &Error{Kind: KindMalformed, Message: "decode response", Err: err}
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		reason := "Unknown"
		kind := KindMalformed
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = resp.PromptFeedback.BlockReason
			kind = KindContentBlocked
		} else if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == "SAFETY" {
			reason = "SAFETY"
			kind = KindContentBlocked
		}
		return "", &Error{Kind: kind, Message: "AI generated no content. Reason: " + reason}
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		if resp.Candidates[0].FinishReason == "SAFETY" {
			return "", &Error{Kind: KindContentBlocked, Message: "AI generated no content. Reason: SAFETY"}
		}
		return "", &Error{Kind: KindMalformed, Message: "response was empty"}
	}
	return text, nil
}

// openAIShape speaks OpenAI-compatible chat completions with bearer auth.
type openAIShape struct{}

func (openAIShape) request(c *Client, in Input) (string, any, error) {
	prompt := c.composePrompt(in)

	var msg openai.ChatCompletionMessageParamUnion
	if len(in.Media) == 0 {
		msg = openai.UserMessage(prompt)
	} else {
		content := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(prompt)}
		for _, f := range in.Media {
			if len(f.ImageData) == 0 {
				continue
			}
			mime, data := encodeFrame(f)
			content = append(content, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: "data:" + mime + ";base64," + data,
			}))
		}
		msg = openai.UserMessage(content)
	}

	payload := map[string]any{
		"model":    c.modelFor(in),
		"messages": []openai.ChatCompletionMessageParamUnion{msg},
	}
	return c.baseURL + "/chat/completions", payload, nil
}

func (openAIShape) authorize(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

func (openAIShape) errorDetail(body []byte) string {
	return parseErrorDetail(body)
}

func (openAIShape) extract(body []byte) (string, *Error) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &Error{Kind: KindMalformed, Message: "decode response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return "", &Error{Kind: KindMalformed, Message: "response had no choices"}
	}
	choice := parsed.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", &Error{Kind: KindContentBlocked, Message: "response blocked by content filter"}
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return "", &Error{Kind: KindMalformed, Message: "response was empty"}
	}
	return content, nil
}

// huggingFaceShape speaks the text-generation inference API. Images are not sent.
type huggingFaceShape struct{}

func (huggingFaceShape) request(c *Client, in Input) (string, any, error) {
	prompt := in.Prompt
	if in.Text != "" {
		prompt += "\n\n" + truncate(in.Text, c.maxTextChars)
	}
	payload := map[string]any{
		"inputs": prompt,
		"parameters": map[string]any{
			"max_new_tokens":   1024,
			"return_full_text": false,
		},
	}
	return c.baseURL + "/" + c.modelFor(in), payload, nil
}

func (huggingFaceShape) authorize(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

func (huggingFaceShape) errorDetail(body []byte) string {
	return parseErrorDetail(body)
}

func (huggingFaceShape) extract(body []byte) (string, *Error) {
	type generation struct {
		GeneratedText string `json:"generated_text"`
	}

	var text string
	var list []generation
	if err := json.Unmarshal(body, &list); err == nil {
		if len(list) > 0 {
			text = list[0].GeneratedText
		}
	} else {
		var single generation
		if err := json.Unmarshal(body, &single); err != nil {
			return "", &Error{Kind: KindMalformed, Message: "decode response", Err: err}
		}
		text = single.GeneratedText
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", &Error{Kind: KindMalformed, Message: "response was empty"}
	}
	return text, nil
}
