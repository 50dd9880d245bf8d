package nvsmi

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Descriptor identifies one installed GPU as reported by the listing mode.
type Descriptor struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	UUID  string `json:"uuid"`
	Raw   string `json:"raw"`
}

// Reading holds the fields of one <gpu> element of the XML query.
type Reading struct {
	BusID          string
	Name           string
	UUID           string
	Utilization    int
	MemoryUsedMiB  int
	MemoryTotalMiB int
	Temperature    int
}

// MemoryPercent returns used/total memory as a truncated percentage.
func (r Reading) MemoryPercent() int {
	return r.MemoryUsedMiB * 100 / r.MemoryTotalMiB
}

var listLine = regexp.MustCompile(`^GPU (\d+): (.+) \(UUID: ([^)]+)\)$`)

// ParseList splits listing output into descriptors, one per non-empty line.
// Lines that do not follow the usual "GPU <i>: <name> (UUID: <uuid>)" shape
// are kept with Index -1 and only Raw set.
func ParseList(out []byte) []Descriptor {
	var descriptors []Descriptor
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}

		d := Descriptor{Index: -1, Raw: line}
		if m := listLine.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
			if idx, err := strconv.Atoi(m[1]); err == nil {
				d.Index = idx
			}
			d.Name = m[2]
			d.UUID = m[3]
		}
		descriptors = append(descriptors, d)
	}
	return descriptors
}

type smiLog struct {
	GPUs []smiGPU `xml:"gpu"`
}

type smiGPU struct {
	ID          string `xml:"id,attr"`
	ProductName string `xml:"product_name"`
	UUID        string `xml:"uuid"`
	Utilization *struct {
		GPU string `xml:"gpu_util"`
	} `xml:"utilization"`
	FBMemory *struct {
		Used  string `xml:"used"`
		Total string `xml:"total"`
	} `xml:"fb_memory_usage"`
	Temperature *struct {
		GPU string `xml:"gpu_temp"`
	} `xml:"temperature"`
}

// ParseQuery parses the XML query output into one Reading per <gpu> element,
// in document order.
func ParseQuery(out []byte) ([]Reading, error) {
	var doc smiLog
	dec := xml.NewDecoder(bytes.NewReader(out))
	if err := dec.Decode(&doc); err != nil {
		return nil, &ParseError{GPU: -1, Field: "document", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	readings := make([]Reading, 0, len(doc.GPUs))
	for i, g := range doc.GPUs {
		r, err := g.reading(i)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, nil
}

func (g smiGPU) reading(i int) (Reading, error) {
	r := Reading{
		BusID: g.ID,
		Name:  strings.TrimSpace(g.ProductName),
		UUID:  strings.TrimSpace(g.UUID),
	}

	if g.Utilization == nil {
		return r, missing(i, "utilization")
	}
	if g.FBMemory == nil {
		return r, missing(i, "fb_memory_usage")
	}
	if g.Temperature == nil {
		return r, missing(i, "temperature")
	}

	var err error
	if r.Utilization, err = leadingInt(i, "utilization.gpu_util", g.Utilization.GPU); err != nil {
		return r, err
	}
	if r.MemoryUsedMiB, err = leadingInt(i, "fb_memory_usage.used", g.FBMemory.Used); err != nil {
		return r, err
	}
	if r.MemoryTotalMiB, err = leadingInt(i, "fb_memory_usage.total", g.FBMemory.Total); err != nil {
		return r, err
	}
	if r.MemoryTotalMiB <= 0 {
		return r, &ParseError{GPU: i, Field: "fb_memory_usage.total", Text: g.FBMemory.Total, Err: fmt.Errorf("%w: total memory must be positive", ErrMalformed)}
	}
	if r.Temperature, err = leadingInt(i, "temperature.gpu_temp", g.Temperature.GPU); err != nil {
		return r, err
	}

	return r, nil
}

func missing(i int, field string) error {
	return &ParseError{GPU: i, Field: field, Err: fmt.Errorf("%w: element missing", ErrMalformed)}
}

// leadingInt reads values such as "42 %", "1024 MiB" or "70 C".
func leadingInt(i int, field, text string) (int, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0, &ParseError{GPU: i, Field: field, Text: text, Err: fmt.Errorf("%w: empty value", ErrMalformed)}
	}
	if fields[0] == "N/A" {
		return 0, &ParseError{GPU: i, Field: field, Text: text, Err: ErrNotAvailable}
	}
	v, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, &ParseError{GPU: i, Field: field, Text: text, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	return v, nil
}
