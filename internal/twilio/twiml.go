package twilio

import (
	"encoding/xml"
	"fmt"
	"net/http"
)

// Response is a TwiML document. Verbs are rendered in the order they were
// added. The zero value is an empty <Response/>.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text.
type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// Play plays the audio at URL.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

// Pause waits Length seconds.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

// Gather collects speech or keypad input and posts it to Action. Nested
// Say and Play verbs are played while waiting.
type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr,omitempty"`
	Action        string   `xml:"action,attr,omitempty"`
	Method        string   `xml:"method,attr,omitempty"`
	Timeout       int      `xml:"timeout,attr,omitempty"`
	NumDigits     int      `xml:"numDigits,attr,omitempty"`
	FinishOnKey   string   `xml:"finishOnKey,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Language      string   `xml:"language,attr,omitempty"`
	Hints         string   `xml:"hints,attr,omitempty"`
	Verbs         []any
}

// Say adds a nested <Say>.
func (g *Gather) Say(text, language string) *Gather {
	g.Verbs = append(g.Verbs, Say{Text: text, Language: language})
	return g
}

// Play adds a nested <Play>.
func (g *Gather) Play(url string) *Gather {
	g.Verbs = append(g.Verbs, Play{URL: url})
	return g
}

// Enqueue places the caller into a named queue.
type Enqueue struct {
	XMLName xml.Name `xml:"Enqueue"`
	WaitURL string   `xml:"waitUrl,attr,omitempty"`
	Name    string   `xml:",chardata"`
}

// Redirect transfers control to the TwiML at URL.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// Dial connects the caller to Number.
type Dial struct {
	XMLName xml.Name `xml:"Dial"`
	Number  string   `xml:",chardata"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Reject declines the call without answering it.
type Reject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

// Connect hands the call to a bidirectional media stream.
type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  Stream
}

// Stream is the media stream target of a <Connect>.
type Stream struct {
	XMLName    xml.Name    `xml:"Stream"`
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter"`
}

// Parameter is a custom key/value delivered in the stream's start frame.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Say appends a <Say>.
func (r *Response) Say(text, language string) *Response {
	r.Verbs = append(r.Verbs, Say{Text: text, Language: language})
	return r
}

// Play appends a <Play>.
func (r *Response) Play(url string) *Response {
	r.Verbs = append(r.Verbs, Play{URL: url})
	return r
}

// Pause appends a <Pause>.
func (r *Response) Pause(seconds int) *Response {
	r.Verbs = append(r.Verbs, Pause{Length: seconds})
	return r
}

// Gather appends g and returns a pointer to the appended copy for nesting.
func (r *Response) Gather(g Gather) *Gather {
	p := &g
	r.Verbs = append(r.Verbs, p)
	return p
}

// Enqueue appends an <Enqueue>.
func (r *Response) Enqueue(queue, waitURL string) *Response {
	r.Verbs = append(r.Verbs, Enqueue{Name: queue, WaitURL: waitURL})
	return r
}

// Redirect appends a POST <Redirect>.
func (r *Response) Redirect(url string) *Response {
	r.Verbs = append(r.Verbs, Redirect{URL: url, Method: http.MethodPost})
	return r
}

// Dial appends a <Dial>.
func (r *Response) Dial(number string) *Response {
	r.Verbs = append(r.Verbs, Dial{Number: number})
	return r
}

// Hangup appends a <Hangup>.
func (r *Response) Hangup() *Response {
	r.Verbs = append(r.Verbs, Hangup{})
	return r
}

// Reject appends a <Reject>.
func (r *Response) Reject(reason string) *Response {
	r.Verbs = append(r.Verbs, Reject{Reason: reason})
	return r
}

// ConnectStream appends <Connect><Stream url=...> with the given custom
// parameters in order.
func (r *Response) ConnectStream(url string, params ...Parameter) *Response {
	r.Verbs = append(r.Verbs, Connect{Stream: Stream{URL: url, Parameters: params}})
	return r
}

// Len returns the number of top-level verbs.
func (r *Response) Len() int { return len(r.Verbs) }

// String renders the document with an XML header.
func (r *Response) String() (string, error) {
	b, err := xml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("twilio: render twiml: %w", err)
	}
	return xml.Header + string(b), nil
}

// Write renders the document as an HTTP response.
func (r *Response) Write(w http.ResponseWriter) error {
	doc, err := r.String()
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, err = w.Write([]byte(doc))
	return err
}
