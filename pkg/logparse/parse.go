/*
Copyright 2024 The Scitix Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package logparse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/scitix/bertbench/consts"

	"github.com/sirupsen/logrus"
)

const maxLineSize = 1 << 20

// A metric name starts with a letter and may not contain quotes or '=' so that
// structured log lines such as `time="..." level=info` are never mistaken for metrics.
var metricNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 _./()%-]*$`)

// LogParseError reports a log that could not yield a MetricSet.
type LogParseError struct {
	Path   string
	Reason string
	Err    error
}

func (e *LogParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: parse log %s: %s: %v", consts.ComponentNameLogParse, e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: parse log %s: %s", consts.ComponentNameLogParse, e.Path, e.Reason)
}

func (e *LogParseError) Unwrap() error {
	return e.Err
}

// ParseLine splits a "Name:Value" line at its first colon. Values may contain
// further colons. ok is false for lines that are not metric lines.
func ParseLine(line string) (name, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	name = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if name == "" || value == "" || !metricNamePattern.MatchString(name) {
		return "", "", false
	}
	return name, value, true
}

// Parse reads r line by line. Lines that are not metric lines, including lines
// longer than maxLineSize, are skipped. When a name repeats, the last value wins.
func Parse(r io.Reader, source string) (*MetricSet, error) {
	log := logrus.WithField("component", consts.ComponentNameLogParse)
	set := NewMetricSet(source)

	br := bufio.NewReaderSize(r, 64*1024)
	lineNo, skipped := 0, 0
	for {
		line, tooLong, err := readLine(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &LogParseError{Path: source, Reason: "unreadable", Err: err}
		}
		lineNo++
		if tooLong {
			log.Debugf("%s:%d: line exceeds %d bytes, skipped", source, lineNo, maxLineSize)
			skipped++
			continue
		}
		name, value, ok := ParseLine(line)
		if !ok {
			skipped++
			continue
		}
		if set.Set(name, value) {
			log.Debugf("%s:%d: metric %q repeated, keeping latest value %q", source, lineNo, name, value)
		}
	}
	if set.Len() == 0 {
		return nil, &LogParseError{Path: source, Reason: fmt.Sprintf("no metric lines in %d lines", lineNo)}
	}
	log.Debugf("parsed %d metrics from %s (%d lines skipped)", set.Len(), source, skipped)
	return set, nil
}

// readLine returns the next line without its terminator. A line longer than
// maxLineSize is consumed to its end and reported with tooLong set. io.EOF is
// returned only when no bytes remain.
func readLine(br *bufio.Reader) (line string, tooLong bool, err error) {
	var buf []byte
	read := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && read {
				return string(buf), tooLong, nil
			}
			return "", false, err
		}
		read = true
		if !tooLong {
			if len(buf)+len(chunk) > maxLineSize {
				tooLong, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !isPrefix {
			return string(buf), tooLong, nil
		}
	}
}

// ParseFile opens a completed log and parses it.
func ParseFile(path string) (*MetricSet, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &LogParseError{Path: path, Reason: "missing", Err: err}
		}
		return nil, &LogParseError{Path: path, Reason: "unreadable", Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &LogParseError{Path: path, Reason: "unreadable", Err: err}
	}
	if info.IsDir() {
		return nil, &LogParseError{Path: path, Reason: "unreadable", Err: fmt.Errorf("is a directory")}
	}
	return Parse(f, path)
}
