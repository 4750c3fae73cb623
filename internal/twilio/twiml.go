package twilio

import (
	"encoding/xml"
	"sort"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamTwiML returns a TwiML document connecting the call to a
// bidirectional media stream at streamURL. params become <Parameter>
// elements, delivered back in the start frame's customParameters.
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	doc := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: streamURL}}}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Connect.Stream.Parameters = append(doc.Connect.Stream.Parameters, twimlParameter{Name: name, Value: params[name]})
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return xml.Header + string(out), nil
}
