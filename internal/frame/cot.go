package frame

import (
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Event is a decoded positional event.
type Event struct {
	ID             string  `json:"id"`
	DisplayName    string  `json:"display_name"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	Classification string  `json:"classification"`
}

type cotEvent struct {
	XMLName xml.Name `xml:"event"`
	UID     string   `xml:"uid,attr"`
	Type    string   `xml:"type,attr"`
	UIDElem struct {
		Generator string `xml:"generator,attr"`
	} `xml:"uid"`
	Point *struct {
		Lat string `xml:"lat,attr"`
		Lon string `xml:"lon,attr"`
	} `xml:"point"`
	Detail struct {
		Contact struct {
			Callsign string `xml:"callsign,attr"`
		} `xml:"contact"`
	} `xml:"detail"`
}

// DecodeEvent parses a framed CoT event. The identifier comes from the uid
// attribute, falling back to the generator of a <uid> element.
func DecodeEvent(text string) (Event, error) {
	var raw cotEvent
	if err := xml.Unmarshal([]byte(text), &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	ev := Event{
		ID:             strings.TrimSpace(raw.UID),
		DisplayName:    strings.TrimSpace(raw.Detail.Contact.Callsign),
		Classification: strings.TrimSpace(raw.Type),
	}
	if ev.ID == "" {
		ev.ID = strings.TrimSpace(raw.UIDElem.Generator)
	}
	if ev.ID == "" {
		return Event{}, ErrMissingID
	}
	if ev.Classification == "" {
		ev.Classification = DefaultClassification
	}
	if raw.Point == nil {
		return Event{}, fmt.Errorf("%w: no point", ErrInvalidPosition)
	}

	var err error
	if ev.Lat, err = coord(raw.Point.Lat, 90); err != nil {
		return Event{}, fmt.Errorf("%w: lat: %v", ErrInvalidPosition, err)
	}
	if ev.Lon, err = coord(raw.Point.Lon, 180); err != nil {
		return Event{}, fmt.Errorf("%w: lon: %v", ErrInvalidPosition, err)
	}
	return ev, nil
}

func coord(s string, limit float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.Abs(v) > limit {
		return 0, fmt.Errorf("%v out of range", v)
	}
	return v, nil
}
