package engine

import "testing"

func TestSplitWholeString(t *testing.T) {
	cases := []struct {
		in        string
		content   string
		reasoning string
	}{
		{"plain text", "plain text", ""},
		{"<think>ponder</think>answer", "answer", "ponder"},
		{"before<think>mid</think>after", "beforeafter", "mid"},
		{"<think>unterminated", "", "unterminated"},
		{"a<think>b</think>c<think>d</think>e", "ace", "bd"},
		{"", "", ""},
	}
	for _, tc := range cases {
		content, reasoning := Split(tc.in)
		if content != tc.content || reasoning != tc.reasoning {
			t.Fatalf("Split(%q) = (%q, %q), want (%q, %q)",
				tc.in, content, reasoning, tc.content, tc.reasoning)
		}
	}
}

// Streaming the same text in any chunking must produce the same split as
// feeding it whole.
func TestSplitterChunkingEquivalence(t *testing.T) {
	text := "intro <think>first thought</think> middle <think>second</think> outro"
	wantContent, wantReasoning := Split(text)

	for size := 1; size <= len(text); size++ {
		splitter := &ThinkSplitter{}
		var content, reasoning string
		for start := 0; start < len(text); start += size {
			end := start + size
			if end > len(text) {
				end = len(text)
			}
			c, r := splitter.Write(text[start:end])
			content += c
			reasoning += r
		}
		c, r := splitter.Flush()
		content += c
		reasoning += r
		if content != wantContent || reasoning != wantReasoning {
			t.Fatalf("chunk size %d: (%q, %q), want (%q, %q)",
				size, content, reasoning, wantContent, wantReasoning)
		}
	}
}

func TestSplitterMarkerAcrossChunks(t *testing.T) {
	splitter := &ThinkSplitter{}
	content, reasoning := splitter.Write("abc<thi")
	if content != "abc" || reasoning != "" {
		t.Fatalf("ambiguous suffix must be withheld, got (%q, %q)", content, reasoning)
	}
	content, reasoning = splitter.Write("nk>deep")
	if content != "" || reasoning != "deep" {
		t.Fatalf("marker completion failed: (%q, %q)", content, reasoning)
	}
	content, reasoning = splitter.Write("</think>done")
	if content != "done" || reasoning != "" {
		t.Fatalf("close marker failed: (%q, %q)", content, reasoning)
	}
}

func TestSplitterFlushReleasesFalseMarker(t *testing.T) {
	splitter := &ThinkSplitter{}
	content, _ := splitter.Write("value < 10 <th")
	if content != "value < 10 " {
		t.Fatalf("unexpected content: %q", content)
	}
	content, reasoning := splitter.Flush()
	if content != "<th" || reasoning != "" {
		t.Fatalf("flush must release the held suffix, got (%q, %q)", content, reasoning)
	}
}
