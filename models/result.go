package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Granularity names the timestamp resolution a transcript was normalized from.
type Granularity string

const (
	GranularityText    Granularity = "text"
	GranularitySegment Granularity = "segment"
	GranularityWord    Granularity = "word"
	GranularityChar    Granularity = "char"
)

const UnknownSpeaker = "UNKNOWN"

// Payload is one of the transcript shapes the inference service can return:
// PlainText, SegmentTimestamps, WordTimestamps or CharTimestamps.
type Payload interface {
	Granularity() Granularity
	timestamps() []Timestamp
	text() string
}

type PlainText struct {
	Text string
}

type SegmentTimestamps struct {
	Text     string
	Segments []Timestamp
}

type WordTimestamps struct {
	Text  string
	Words []Timestamp
}

type CharTimestamps struct {
	Text  string
	Chars []Timestamp
}

func (p PlainText) Granularity() Granularity         { return GranularityText }
func (p SegmentTimestamps) Granularity() Granularity { return GranularitySegment }
func (p WordTimestamps) Granularity() Granularity    { return GranularityWord }
func (p CharTimestamps) Granularity() Granularity    { return GranularityChar }

func (p PlainText) timestamps() []Timestamp         { return nil }
func (p SegmentTimestamps) timestamps() []Timestamp { return p.Segments }
func (p WordTimestamps) timestamps() []Timestamp    { return p.Words }
func (p CharTimestamps) timestamps() []Timestamp    { return p.Chars }

func (p PlainText) text() string { return p.Text }

func (p SegmentTimestamps) text() string {
	if p.Text != "" {
		return p.Text
	}
	return joinTimestamps(p.Segments, " ")
}

func (p WordTimestamps) text() string {
	if p.Text != "" {
		return p.Text
	}
	return joinTimestamps(p.Words, " ")
}

func (p CharTimestamps) text() string {
	if p.Text != "" {
		return p.Text
	}
	return joinTimestamps(p.Chars, "")
}

type Timestamp struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// SpeakerSegment is a diarized span as reported by the inference service.
type SpeakerSegment struct {
	Speaker string      `json:"speaker"`
	Start   float64     `json:"start"`
	End     float64     `json:"end"`
	Text    string      `json:"text"`
	Words   []Timestamp `json:"words,omitempty"`
}

// Output is a decoded inference result before normalization.
type Output struct {
	Payload     Payload
	Diarization []SpeakerSegment
	Language    string
	Duration    float64
}

// Result is the canonical transcript stored on a completed job.
type Result struct {
	Text        string           `json:"text"`
	Language    string           `json:"language,omitempty"`
	Duration    float64          `json:"duration,omitempty"`
	Granularity Granularity      `json:"granularity"`
	Timestamps  []Timestamp      `json:"timestamps,omitempty"`
	Speakers    []SpeakerSegment `json:"speakers,omitempty"`
}

type rawTimestamp struct {
	Start     *float64 `json:"start"`
	End       *float64 `json:"end"`
	StartTime *float64 `json:"start_time"`
	EndTime   *float64 `json:"end_time"`
	Text      string   `json:"text"`
	Word      string   `json:"word"`
	Char      string   `json:"char"`
	Speaker   string   `json:"speaker"`
}

func (r rawTimestamp) timestamp() Timestamp {
	ts := Timestamp{Start: firstFloat(r.Start, r.StartTime), End: firstFloat(r.End, r.EndTime)}
	switch {
	case r.Word != "":
		ts.Text = r.Word
	case r.Char != "":
		ts.Text = r.Char
	default:
		ts.Text = r.Text
	}
	return ts
}

type rawSpeakerSegment struct {
	rawTimestamp
	Words []rawTimestamp `json:"words"`
}

type rawOutput struct {
	Text               string              `json:"text"`
	MergedText         string              `json:"merged_text"`
	Transcription      json.RawMessage     `json:"transcription"`
	Segments           []rawTimestamp      `json:"segments"`
	Words              []rawTimestamp      `json:"words"`
	WordTimestamps     []rawTimestamp      `json:"word_timestamps"`
	Chars              []rawTimestamp      `json:"chars"`
	CharTimestamps     []rawTimestamp      `json:"char_timestamps"`
	Diarization        []rawSpeakerSegment `json:"diarization"`
	DiarizedTranscript []rawSpeakerSegment `json:"diarized_transcript"`
	Language           string              `json:"language"`
	Duration           float64             `json:"duration"`
}

// maxOutputNesting bounds how many "transcription" wrappers are unwrapped.
const maxOutputNesting = 3

// ParseOutput decodes an inference output document. The service nests the
// transcript under "transcription" in some deployments; both layouts are
// accepted. A bare JSON string is treated as plain text.
func ParseOutput(data []byte) (*Output, error) {
	return parseOutput(data, 0)
}

func parseOutput(data []byte, depth int) (*Output, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, errors.New("empty output")
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode text output: %w", err)
		}
		return &Output{Payload: PlainText{Text: s}}, nil
	}

	var raw rawOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if len(raw.Transcription) > 0 && strings.HasPrefix(strings.TrimSpace(string(raw.Transcription)), "{") {
		if depth >= maxOutputNesting {
			return nil, errors.New("output nested too deeply")
		}
		return parseOutput(raw.Transcription, depth+1)
	}
	if raw.Text == "" && len(raw.Transcription) > 0 {
		_ = json.Unmarshal(raw.Transcription, &raw.Text)
	}

	text := raw.Text
	if raw.MergedText != "" {
		text = raw.MergedText
	}

	out := &Output{Language: raw.Language, Duration: raw.Duration}
	chars := coalesceRaw(raw.CharTimestamps, raw.Chars)
	words := coalesceRaw(raw.WordTimestamps, raw.Words)
	switch {
	case len(chars) > 0:
		out.Payload = CharTimestamps{Text: text, Chars: convertTimestamps(chars)}
	case len(words) > 0:
		out.Payload = WordTimestamps{Text: text, Words: convertTimestamps(words)}
	case len(raw.Segments) > 0:
		out.Payload = SegmentTimestamps{Text: text, Segments: convertTimestamps(raw.Segments)}
	case text != "":
		out.Payload = PlainText{Text: text}
	}

	for _, seg := range coalesceRawSpeakers(raw.Diarization, raw.DiarizedTranscript) {
		s := SpeakerSegment{
			Speaker: seg.Speaker,
			Start:   firstFloat(seg.Start, seg.StartTime),
			End:     firstFloat(seg.End, seg.EndTime),
			Text:    seg.Text,
			Words:   convertTimestamps(seg.Words),
		}
		out.Diarization = append(out.Diarization, s)
	}

	if out.Payload == nil && len(out.Diarization) == 0 {
		return nil, errors.New("output carries no transcript")
	}
	if out.Payload == nil {
		parts := make([]string, 0, len(out.Diarization))
		for _, s := range out.Diarization {
			parts = append(parts, strings.TrimSpace(s.Text))
		}
		out.Payload = PlainText{Text: strings.Join(parts, " ")}
	}
	return out, nil
}

// Normalize converts a decoded output into the canonical Result.
func Normalize(out *Output) *Result {
	res := &Result{
		Text:        strings.TrimSpace(out.Payload.text()),
		Language:    out.Language,
		Duration:    out.Duration,
		Granularity: out.Payload.Granularity(),
		Timestamps:  out.Payload.timestamps(),
		Speakers:    CoalesceSpeakers(out.Diarization),
	}
	if res.Duration == 0 && len(res.Timestamps) > 0 {
		res.Duration = res.Timestamps[len(res.Timestamps)-1].End
	}
	if res.Duration == 0 && len(res.Speakers) > 0 {
		res.Duration = res.Speakers[len(res.Speakers)-1].End
	}
	return res
}

// CoalesceSpeakers merges consecutive segments from the same speaker into a
// single span. Word-level detail is preserved in order.
func CoalesceSpeakers(segments []SpeakerSegment) []SpeakerSegment {
	if len(segments) == 0 {
		return nil
	}
	merged := make([]SpeakerSegment, 0, len(segments))
	for _, seg := range segments {
		if seg.Speaker == "" {
			seg.Speaker = UnknownSpeaker
		}
		seg.Text = strings.TrimSpace(seg.Text)
		n := len(merged)
		if n == 0 || merged[n-1].Speaker != seg.Speaker {
			seg.Words = append([]Timestamp(nil), seg.Words...)
			merged = append(merged, seg)
			continue
		}
		last := &merged[n-1]
		if seg.End > last.End {
			last.End = seg.End
		}
		switch {
		case last.Text == "":
			last.Text = seg.Text
		case seg.Text != "":
			last.Text += " " + seg.Text
		}
		last.Words = append(last.Words, seg.Words...)
	}
	return merged
}

func joinTimestamps(ts []Timestamp, sep string) string {
	parts := make([]string, 0, len(ts))
	for _, t := range ts {
		if sep != "" {
			t.Text = strings.TrimSpace(t.Text)
			if t.Text == "" {
				continue
			}
		}
		parts = append(parts, t.Text)
	}
	return strings.Join(parts, sep)
}

func convertTimestamps(raw []rawTimestamp) []Timestamp {
	if len(raw) == 0 {
		return nil
	}
	out := make([]Timestamp, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.timestamp())
	}
	return out
}

func coalesceRaw(primary, secondary []rawTimestamp) []rawTimestamp {
	if len(primary) > 0 {
		return primary
	}
	return secondary
}

func coalesceRawSpeakers(primary, secondary []rawSpeakerSegment) []rawSpeakerSegment {
	if len(primary) > 0 {
		return primary
	}
	return secondary
}

func firstFloat(values ...*float64) float64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}
