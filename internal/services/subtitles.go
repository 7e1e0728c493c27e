package services

import (
	"fmt"
	"os"
	"strings"
)

// ---------------------------------------------------------------------------
// SRT Subtitle Generator
//
// Builds SubRip subtitle files from Whisper word-level timestamps. Words are
// grouped into short caption lines so the viewer never reads more than a few
// words at once. When transcription is unavailable, EvenSpreadCues spreads
// the narration text evenly across the known audio duration instead.
// ---------------------------------------------------------------------------

const (
	// How many words to show per caption line
	wordsPerCue = 5

	// Minimum on-screen time per cue so single short words do not flash
	minCueDurationSec = 0.6
)

// SubtitleCue is one caption with its display window.
type SubtitleCue struct {
	Start float64 // seconds
	End   float64 // seconds
	Text  string
}

// CuesFromWords groups word timestamps into caption cues. offsetSec shifts
// all timestamps, e.g. for prepended silence.
func CuesFromWords(words []WordTimestamp, offsetSec float64) []SubtitleCue {
	var cues []SubtitleCue
	for i := 0; i < len(words); i += wordsPerCue {
		end := i + wordsPerCue
		if end > len(words) {
			end = len(words)
		}
		group := words[i:end]

		texts := make([]string, len(group))
		for j, w := range group {
			texts[j] = w.Word
		}

		cue := SubtitleCue{
			Start: group[0].Start + offsetSec,
			End:   group[len(group)-1].End + offsetSec,
			Text:  strings.Join(texts, " "),
		}
		if cue.End-cue.Start < minCueDurationSec {
			cue.End = cue.Start + minCueDurationSec
		}
		cues = append(cues, cue)
	}
	return cues
}

// EvenSpreadCues is the fallback when no word timestamps exist: the narration
// text is split into cue-sized groups and spread evenly across the audio
// duration. Timing is approximate but captions stay in sync at boundaries.
func EvenSpreadCues(text string, startSec, durationSec float64) []SubtitleCue {
	words := strings.Fields(text)
	if len(words) == 0 || durationSec <= 0 {
		return nil
	}

	perWord := durationSec / float64(len(words))

	var cues []SubtitleCue
	for i := 0; i < len(words); i += wordsPerCue {
		end := i + wordsPerCue
		if end > len(words) {
			end = len(words)
		}
		cues = append(cues, SubtitleCue{
			Start: startSec + float64(i)*perWord,
			End:   startSec + float64(end)*perWord,
			Text:  strings.Join(words[i:end], " "),
		})
	}
	return cues
}

// WriteSRT writes cues to an SRT file in index order.
func WriteSRT(cues []SubtitleCue, outputPath string) error {
	if len(cues) == 0 {
		return fmt.Errorf("no cues to write")
	}

	var sb strings.Builder
	for i, cue := range cues {
		sb.WriteString(fmt.Sprintf("%d\n", i+1))
		sb.WriteString(fmt.Sprintf("%s --> %s\n", srtTimestamp(cue.Start), srtTimestamp(cue.End)))
		sb.WriteString(cue.Text)
		sb.WriteString("\n\n")
	}

	if err := os.WriteFile(outputPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write srt file: %w", err)
	}
	return nil
}

// srtTimestamp formats seconds as HH:MM:SS,mmm.
func srtTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int(seconds*1000 + 0.5)
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	sec := totalSec % 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, sec, ms)
}
