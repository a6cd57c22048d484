// Package playlist reads and writes the line-oriented M3U playlist format.
package playlist

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/voyagen/streamsweep/internal/models"
)

// Header is the first line of every extended M3U playlist.
const Header = "#EXTM3U"

// CategorySeparator joins multiple categories inside group-title.
const CategorySeparator = ";"

var (
	reTvgName    = regexp.MustCompile(`tvg-name="([^"]*)"`)
	reTvgID      = regexp.MustCompile(`tvg-id="([^"]*)"`)
	reTvgLogo    = regexp.MustCompile(`tvg-logo="([^"]*)"`)
	reTvgCountry = regexp.MustCompile(`tvg-country="([^"]*)"`)
	reGroup      = regexp.MustCompile(`group-title="([^"]*)"`)
)

// Encode writes channels as an extended M3U playlist: one header line, then an
// EXTINF metadata line and a bare URL line per channel.
func Encode(w io.Writer, channels []models.Channel) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, Header); err != nil {
		return err
	}
	for _, ch := range channels {
		cats := ch.Categories
		if len(cats) == 0 {
			cats = []string{models.DefaultCategory}
		}
		group := make([]string, len(cats))
		for i, c := range cats {
			group[i] = attr(c)
		}
		_, err := fmt.Fprintf(bw, "#EXTINF:-1 tvg-id=\"%s\" tvg-logo=\"%s\" tvg-country=\"%s\" group-title=\"%s\",%s\n%s\n",
			attr(ch.ID), attr(ch.Logo), attr(ch.Country), strings.Join(group, CategorySeparator),
			singleLine(ch.Name), singleLine(ch.URL))
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Attribute values percent-encode the bytes that would end the quoted value,
// split group-title or break the line. '%' itself is encoded first so that
// decoding is exact.
var (
	attrEscaper = strings.NewReplacer(
		"%", "%25",
		`"`, "%22",
		";", "%3B",
		"\r", "%0D",
		"\n", "%0A",
	)
	attrUnescaper = strings.NewReplacer(
		"%25", "%",
		"%22", `"`,
		"%3B", ";",
		"%0D", "\r",
		"%0A", "\n",
	)
)

// attr makes a value safe to place inside a double-quoted EXTINF attribute.
func attr(s string) string {
	return attrEscaper.Replace(s)
}

func unattr(s string) string {
	return attrUnescaper.Replace(s)
}

func singleLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// Parse reads an M3U playlist from r. Entries whose EXTINF line yields no name
// are skipped, as are URL lines with no preceding EXTINF.
func Parse(r io.Reader) ([]models.Channel, error) {
	var entries []models.Channel
	scanner := bufio.NewScanner(r)
	// Some playlists carry very long EXTINF lines.
	const maxSize = 1024 * 1024
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxSize)

	var extinfLine string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineUpper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(lineUpper, "#EXTINF"):
			// A previous EXTINF without URL is dropped.
			extinfLine = line
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		default:
			if extinfLine == "" {
				continue
			}
			ch, ok := channelFromEXTINF(extinfLine)
			extinfLine = ""
			if !ok {
				continue
			}
			ch.URL = line
			entries = append(entries, ch)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func channelFromEXTINF(extinf string) (models.Channel, bool) {
	name := displayName(extinf)
	if name == "" {
		name = unattr(matchFirst(reTvgName, extinf))
	}
	if name == "" {
		name = unattr(matchFirst(reTvgID, extinf))
	}
	if name == "" {
		return models.Channel{}, false
	}

	var cats []string
	for _, c := range strings.Split(matchFirst(reGroup, extinf), CategorySeparator) {
		if c = strings.TrimSpace(unattr(c)); c != "" {
			cats = append(cats, c)
		}
	}
	if len(cats) == 0 {
		cats = []string{models.DefaultCategory}
	}

	return models.Channel{
		Name:       name,
		ID:         unattr(matchFirst(reTvgID, extinf)),
		Logo:       unattr(matchFirst(reTvgLogo, extinf)),
		Categories: cats,
		Country:    unattr(matchFirst(reTvgCountry, extinf)),
	}, true
}

// displayName returns the text after the comma that closes the attribute
// list. Attributes are walked one by one because quoted values may contain
// commas; malformed lines fall back to the first comma after the last quote.
func displayName(extinf string) string {
	colon := strings.Index(extinf, ":")
	if colon < 0 {
		return ""
	}
	s := strings.TrimLeft(extinf[colon+1:], " \t")
	// skip the duration
	i := strings.IndexAny(s, " \t,")
	if i < 0 {
		return ""
	}
	s = s[i:]
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return ""
		}
		if s[0] == ',' {
			return strings.TrimSpace(s[1:])
		}
		eq := strings.Index(s, "=")
		if eq < 0 || strings.ContainsAny(s[:eq], " \t,") {
			break
		}
		rest := s[eq+1:]
		if !strings.HasPrefix(rest, `"`) {
			j := strings.IndexAny(rest, " \t,")
			if j < 0 {
				break
			}
			s = rest[j:]
			continue
		}
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			break
		}
		s = rest[end+2:]
	}

	start := strings.LastIndex(extinf, `"`) + 1
	i = strings.Index(extinf[start:], ",")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(extinf[start+i+1:])
}

func matchFirst(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// LooksLikePlaylist reports whether a body fragment carries an HLS/M3U or
// transport-stream signature.
func LooksLikePlaylist(fragment []byte) bool {
	return bytes.Contains(fragment, []byte("#EXT")) || bytes.Contains(fragment, []byte(".ts"))
}
