package plist

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Encode renders v as an XML plist document, matching the vendor
// daemons' expected root element and value tags exactly:
//
//	<plist version="1.0"> ... </plist>
//
// Supported value universe: string, all signed/unsigned integer
// kinds, bool, []byte (as base64 <data>), *Dict (as <dict>, key order
// preserved), and []any (as <array>).
func Encode(v any) ([]byte, error) {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<plist version="1.0">` + "\n")
	if err := encodeValue(&b, v, 0); err != nil {
		return nil, err
	}
	b.WriteString("\n</plist>\n")
	return []byte(b.String()), nil
}

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
	`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">` + "\n"

func encodeValue(b *strings.Builder, v any, indent int) error {
	pad := strings.Repeat("\t", indent)
	switch val := v.(type) {
	case string:
		b.WriteString(pad + "<string>" + escapeXML(val) + "</string>")
	case bool:
		if val {
			b.WriteString(pad + "<true/>")
		} else {
			b.WriteString(pad + "<false/>")
		}
	case []byte:
		b.WriteString(pad + "<data>\n")
		b.WriteString(wrapBase64(base64.StdEncoding.EncodeToString(val)))
		b.WriteString(pad + "</data>")
	case *Dict:
		return encodeDict(b, val, indent)
	case []any:
		return encodeArray(b, val, indent)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		b.WriteString(pad + "<integer>" + formatInt(val) + "</integer>")
	default:
		return errUnsupportedType(v)
	}
	return nil
}

func formatInt(v any) string {
	switch n := v.(type) {
	case int:
		return strconv.FormatInt(int64(n), 10)
	case int8:
		return strconv.FormatInt(int64(n), 10)
	case int16:
		return strconv.FormatInt(int64(n), 10)
	case int32:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case uint:
		return strconv.FormatUint(uint64(n), 10)
	case uint8:
		return strconv.FormatUint(uint64(n), 10)
	case uint16:
		return strconv.FormatUint(uint64(n), 10)
	case uint32:
		return strconv.FormatUint(uint64(n), 10)
	case uint64:
		return strconv.FormatUint(n, 10)
	}
	return "0"
}

func encodeDict(b *strings.Builder, d *Dict, indent int) error {
	pad := strings.Repeat("\t", indent)
	if d == nil || d.Len() == 0 {
		b.WriteString(pad + "<dict/>")
		return nil
	}
	b.WriteString(pad + "<dict>\n")
	for _, k := range d.Keys() {
		val, _ := d.Get(k)
		b.WriteString(strings.Repeat("\t", indent+1) + "<key>" + escapeXML(k) + "</key>\n")
		if err := encodeValue(b, val, indent+1); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		b.WriteString("\n")
	}
	b.WriteString(pad + "</dict>")
	return nil
}

func encodeArray(b *strings.Builder, items []any, indent int) error {
	pad := strings.Repeat("\t", indent)
	if len(items) == 0 {
		b.WriteString(pad + "<array/>")
		return nil
	}
	b.WriteString(pad + "<array>\n")
	for i, item := range items {
		if err := encodeValue(b, item, indent+1); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		b.WriteString("\n")
	}
	b.WriteString(pad + "</array>")
	return nil
}

// escapeXML handles the three characters the plist protocols actually
// require escaping for: & < >. Values going over the wire are not
// otherwise entity-escaped, matching the vendor daemons' own encoder.
func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// wrapBase64 wraps base64 text at 68 columns the way Apple's own
// plist serializer does, padding preserved, one line per chunk.
func wrapBase64(s string) string {
	const lineLen = 68
	var b strings.Builder
	for i := 0; i < len(s); i += lineLen {
		end := i + lineLen
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
		b.WriteString("\n")
	}
	return b.String()
}
