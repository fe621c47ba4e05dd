package fserve

import (
	"encoding/xml"
	"fmt"
)

// Admin responses render as the XML documents the admin interface has
// always produced: iceresponse for actions, icestats for listings.

type iceResponse struct {
	XMLName xml.Name `xml:"iceresponse"`
	Message string   `xml:"message"`
	Return  int      `xml:"return"`
}

type listenerXML struct {
	XMLName   xml.Name `xml:"listener"`
	ID        uint64   `xml:"id"`
	IP        string   `xml:"ip"`
	UserAgent string   `xml:"useragent,omitempty"`
	Connected int64    `xml:"connected"`
}

type sourceXML struct {
	XMLName   xml.Name `xml:"source"`
	Mount     string   `xml:"mount,attr"`
	Listeners []listenerXML
	Count     int `xml:"listeners"`
}

type iceStats struct {
	XMLName xml.Name `xml:"icestats"`
	Source  sourceXML
}

func marshalDoc(v any) []byte {
	data, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return []byte(xml.Header)
	}
	return append([]byte(xml.Header), append(data, '\n')...)
}

// KillClientXML terminates the identified listener on mount and reports the
// outcome as an iceresponse document.
func (e *Engine) KillClientXML(mount string, id uint64) []byte {
	resp := iceResponse{
		Message: fmt.Sprintf("Client %d not found", id),
	}
	if e.KillClient(mount, id) {
		resp.Message = fmt.Sprintf("Client %d removed", id)
		resp.Return = 1
	}
	return marshalDoc(resp)
}

// ListClientsXML renders the listener set of a mount as an icestats
// document. A fallback lookup that finds nothing retries as a plain file.
// Returns nil when the mount is not cached at all.
func (e *Engine) ListClientsXML(mount string, fallback bool) []byte {
	fb := FileBinding{Mount: mount}
	if fallback {
		fb.Flags = FlagFallback
	}
	clients := e.ListClients(fb)
	if clients == nil && fallback {
		fb.Flags = 0 // retry
		clients = e.ListClients(fb)
	}
	if clients == nil {
		return nil
	}

	doc := iceStats{Source: sourceXML{Mount: mount, Count: len(clients)}}
	for _, c := range clients {
		doc.Source.Listeners = append(doc.Source.Listeners, listenerXML{
			ID:        c.ID,
			IP:        c.IP,
			UserAgent: c.UserAgent,
			Connected: c.Connected,
		})
	}
	return marshalDoc(doc)
}
