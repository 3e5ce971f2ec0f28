package engine

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkSplitter separates a streamed content feed into visible content and
// the reasoning embedded in a think-tag region. It is chunking-agnostic: a
// marker straddling two chunks is handled by withholding the suffix that
// could still become a marker until disambiguated.
type ThinkSplitter struct {
	inThink bool
	carry   string
}

// Write consumes one delta chunk and returns the content and reasoning text
// that can be emitted so far.
func (s *ThinkSplitter) Write(chunk string) (content, reasoning string) {
	if s == nil || chunk == "" && s.carry == "" {
		return "", ""
	}
	buf := s.carry + chunk
	s.carry = ""
	var contentOut, reasoningOut strings.Builder
	for buf != "" {
		marker := thinkOpen
		if s.inThink {
			marker = thinkClose
		}
		if idx := strings.Index(buf, marker); idx >= 0 {
			s.emit(buf[:idx], &contentOut, &reasoningOut)
			buf = buf[idx+len(marker):]
			s.inThink = !s.inThink
			continue
		}
		hold := ambiguousSuffix(buf, marker)
		s.emit(buf[:len(buf)-hold], &contentOut, &reasoningOut)
		s.carry = buf[len(buf)-hold:]
		break
	}
	return contentOut.String(), reasoningOut.String()
}

// Flush drains the withheld suffix into the current stream. Called on any
// terminal event so no buffered text is lost.
func (s *ThinkSplitter) Flush() (content, reasoning string) {
	if s == nil || s.carry == "" {
		return "", ""
	}
	held := s.carry
	s.carry = ""
	if s.inThink {
		return "", held
	}
	return held, ""
}

// Split runs a complete string through a fresh splitter, for the
// non-incremental paths that receive the whole text at once.
func Split(text string) (content, reasoning string) {
	splitter := &ThinkSplitter{}
	content, reasoning = splitter.Write(text)
	tailContent, tailReasoning := splitter.Flush()
	return content + tailContent, reasoning + tailReasoning
}

func (s *ThinkSplitter) emit(text string, content, reasoning *strings.Builder) {
	if text == "" {
		return
	}
	if s.inThink {
		reasoning.WriteString(text)
		return
	}
	content.WriteString(text)
}

// ambiguousSuffix returns the length of the longest proper marker prefix
// that ends buf.
func ambiguousSuffix(buf, marker string) int {
	max := len(marker) - 1
	if len(buf) < max {
		max = len(buf)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(buf, marker[:k]) {
			return k
		}
	}
	return 0
}
