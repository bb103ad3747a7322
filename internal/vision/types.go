// Package vision asks a hosted multimodal model to describe an image.
package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrAnalysis reports a failed or unparseable analysis.
var ErrAnalysis = errors.New("vision: analysis failed")

// DefaultMIMEType is assumed when an image arrives without one.
const DefaultMIMEType = "image/jpeg"

// Image is an encoded picture.
type Image struct {
	MIMEType string
	Data     []byte
}

// Citation is a web source the model used while describing the image.
type Citation struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Result is what the model said about an image.
type Result struct {
	Summary   string     `json:"summary"`
	Details   []string   `json:"details"`
	Citations []Citation `json:"citations,omitempty"`
}

// Analyzer describes an image in the named language.
type Analyzer interface {
	Analyze(ctx context.Context, img Image, languageName string) (Result, error)
}

// ParseDataURL decodes a `data:<mime>;base64,<payload>` string. A bare base64
// payload is accepted and treated as JPEG.
func ParseDataURL(s string) (Image, error) {
	s = strings.TrimSpace(s)
	mime := DefaultMIMEType
	payload := s
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		header, data, found := strings.Cut(rest, ",")
		if !found {
			return Image{}, fmt.Errorf("data url missing payload")
		}
		if !strings.HasSuffix(header, ";base64") {
			return Image{}, fmt.Errorf("data url is not base64 encoded")
		}
		if m := strings.TrimSuffix(header, ";base64"); m != "" {
			mime = m
		}
		payload = data
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("decode image payload: %w", err)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("image payload empty")
	}
	return Image{MIMEType: mime, Data: data}, nil
}

// DataURL renders img back into data URL form.
func (img Image) DataURL() string {
	mime := img.MIMEType
	if mime == "" {
		mime = DefaultMIMEType
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
