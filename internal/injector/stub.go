package injector

import (
	"fmt"
	"regexp"
	"strings"
)

// stubBeginRe matches the literal begin marker of spec.md §6, tolerating
// whitespace around the fingerprint per "fingerprint parsing tolerates
// whitespace".
var stubBeginRe = regexp.MustCompile(`<!--\s*VMM-STUB-BEGIN\s+fingerprint=([0-9a-fA-F]{64})\s*-->`)

const stubEndMarker = "<!-- VMM-STUB-END -->"

// stubInfo describes a detected (or absent) stub within a target file's
// content.
type stubInfo struct {
	Present     bool
	Malformed   bool
	Fingerprint string
	BeginIdx    int // byte offset of the begin marker
	EndIdx      int // byte offset one past the end marker (valid only if !Malformed)
}

// detectStub scans content for the begin/end marker pair.
func detectStub(content []byte) stubInfo {
	s := string(content)
	loc := stubBeginRe.FindStringSubmatchIndex(s)
	if loc == nil {
		return stubInfo{Present: false}
	}

	beginIdx, afterBegin := loc[0], loc[1]
	fingerprint := s[loc[2]:loc[3]]

	rel := strings.Index(s[afterBegin:], stubEndMarker)
	if rel < 0 {
		return stubInfo{Present: true, Malformed: true, Fingerprint: fingerprint, BeginIdx: beginIdx}
	}

	endIdx := afterBegin + rel + len(stubEndMarker)
	return stubInfo{Present: true, Fingerprint: fingerprint, BeginIdx: beginIdx, EndIdx: endIdx}
}

// stripStub returns the content preceding the detected stub's begin marker,
// with its trailing newlines collapsed to a single "\n" so repeated
// inject/remove cycles don't accumulate trailing whitespace. Anything after
// the begin marker is dropped, whether or not the stub is well-formed.
func stripStub(content []byte, info stubInfo) []byte {
	if !info.Present {
		return content
	}
	cut := info.BeginIdx
	if info.Malformed {
		// Nothing usable follows a truncated stub; drop from the begin
		// marker to the end of the file.
		pre := string(content[:cut])
		return []byte(strings.TrimRight(pre, "\n") + "\n")
	}
	pre := string(content[:cut])
	return []byte(strings.TrimRight(pre, "\n") + "\n")
}

// buildStub renders the literal stub block of spec.md §6.
func buildStub(fingerprint, relImport string) string {
	return fmt.Sprintf("<!-- VMM-STUB-BEGIN fingerprint=%s -->\n<script type=\"module\" src=\"%s\"></script>\n%s\n",
		fingerprint, relImport, stubEndMarker)
}

// withStub appends a freshly built stub to preStubContent.
func withStub(preStubContent []byte, fingerprint, relImport string) []byte {
	out := make([]byte, 0, len(preStubContent)+128)
	out = append(out, preStubContent...)
	out = append(out, buildStub(fingerprint, relImport)...)
	return out
}
