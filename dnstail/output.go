package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/dnscrypt/dnstail/livetail"
	"github.com/jedisct1/dlog"
)

// EntryWriter - Writes every accepted entry as one line
type EntryWriter struct {
	sync.Mutex
	out    io.Writer
	format string
}

func NewEntryWriter(out io.Writer, format string) *EntryWriter {
	return &EntryWriter{out: out, format: format}
}

// Write is meant to be used as the tail's OnEntry hook, so it never blocks
// on anything but the output itself.
func (writer *EntryWriter) Write(entry livetail.LiveEntry) {
	line, err := FormatEntryLine(writer.format, &entry)
	if err != nil {
		dlog.Warnf("Unable to format entry: %v", err)
		return
	}
	writer.Lock()
	defer writer.Unlock()
	if _, err := io.WriteString(writer.out, line); err != nil {
		dlog.Debugf("Unable to write entry: %v", err)
	}
}

func FormatEntryLine(format string, entry *livetail.LiveEntry) (string, error) {
	var sb strings.Builder
	sb.Grow(64 + len(entry.ClientIP) + len(entry.Question))

	reason := "-"
	if entry.Reason != nil {
		reason = *entry.Reason
	}
	elapsed := "-"
	if entry.ElapsedMs != nil {
		elapsed = strconv.FormatInt(*entry.ElapsedMs, 10) + "ms"
	}

	switch format {
	case "tsv":
		ts := entry.Time
		if t, ok := entry.Timestamp(); ok {
			ts = t.Local().Format("2006-01-02 15:04:05")
		}
		sb.WriteString("[")
		sb.WriteString(ts)
		sb.WriteString("]\t")
		sb.WriteString(entry.ClientIP)
		sb.WriteByte('\t')
		sb.WriteString(StringQuote(entry.Question))
		sb.WriteByte('\t')
		sb.WriteString(entry.QType)
		sb.WriteByte('\t')
		sb.WriteString(StringQuote(entry.Status))
		sb.WriteByte('\t')
		sb.WriteString(StringQuote(reason))
		sb.WriteByte('\t')
		sb.WriteString(elapsed)
	case "ltsv":
		sb.WriteString("time:")
		if t, ok := entry.Timestamp(); ok {
			sb.WriteString(strconv.FormatInt(t.Unix(), 10))
		} else {
			sb.WriteString(StringQuote(entry.Time))
		}
		sb.WriteString("\thost:")
		sb.WriteString(entry.ClientIP)
		sb.WriteString("\tqname:")
		sb.WriteString(StringQuote(entry.Question))
		sb.WriteString("\ttype:")
		sb.WriteString(entry.QType)
		sb.WriteString("\tstatus:")
		sb.WriteString(StringQuote(entry.Status))
		sb.WriteString("\tmessage:")
		sb.WriteString(StringQuote(reason))
		sb.WriteString("\telapsed:")
		sb.WriteString(elapsed)
	case "json":
		bin, err := json.Marshal(entry)
		if err != nil {
			return "", err
		}
		sb.Write(bin)
	default:
		return "", fmt.Errorf("Unexpected log format: [%s]", format)
	}
	sb.WriteByte('\n')
	return sb.String(), nil
}

func StringQuote(str string) string {
	str = strconv.QuoteToGraphic(str)
	return str[1 : len(str)-1]
}
