package parser

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/intelwatch/pkg/types"
)

// SystemSender is the sender name the client uses for its own notices
const SystemSender = "EVE System"

// TimeFormat is the timestamp layout of chat log lines
const TimeFormat = "2006.01.02 15:04:05"

// Parser defines the interface for chat line parsers
type Parser interface {
	// Parse converts a raw line into a message, or nil when the line
	// matches no known grammar
	Parse(line string, src Source, generation uint64) *types.MessageInfo

	// Name returns the parser name
	Name() string
}

// Source identifies where a line came from
type Source struct {
	Character string
	Channel   string
}

// SystemIndex resolves free text to known solar system names
type SystemIndex interface {
	// Canonical returns the canonical spelling of a known system
	Canonical(name string) (string, bool)
}

var (
	linePattern      = regexp.MustCompile(`^\[\s*(\d{4}\.\d{2}\.\d{2} \d{2}:\d{2}:\d{2})\s*\]\s*([^>]+?)\s*>\s?(.*)$`)
	locationPattern  = regexp.MustCompile(`^Channel changed to Local\s*:\s*(.+?)\s*\**$`)
	broadcastPattern = regexp.MustCompile(`(?i)^(?:broadcast:\s*)?(enemy spotted|need backup|hold position|in position|travel to|align to|location|target)\b\s*[-:]?\s*(.*)$`)
	separatorPattern = regexp.MustCompile(`\s{2,}|[,|]`)
	pilotPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 '\-.]{1,35}[A-Za-z0-9.]$`)
	countPattern     = regexp.MustCompile(`^[+x]?\d+[+x]?$`)
)

// maxSystemWords bounds the word window used to spot multi-word system names
const maxSystemWords = 3

// maxPilotWords is the most words a character name can have
const maxPilotWords = 3

var clearWords = map[string]bool{
	"clr":   true,
	"clear": true,
}

// statusWords are intel vocabulary that is never a pilot name
var statusWords = map[string]bool{
	"nv": true, "no visual": true, "status": true, "stat": true, "?": true,
	"gate": true, "gates": true, "ess": true, "in": true, "at": true, "on": true,
	"local": true, "spike": true, "red": true, "reds": true, "neut": true,
	"neuts": true, "hostile": true, "hostiles": true, "camp": true,
	"gatecamp": true, "bubble": true, "bubbled": true, "cyno": true,
	"fleet": true, "gang": true, "docked": true, "undocked": true, "safe": true,
	"pos": true, "citadel": true, "station": true, "belt": true,
}

// ChatParser parses chat log lines
type ChatParser struct {
	systems SystemIndex
}

// NewChatParser creates a chat parser. systems may be nil, in which case
// no system or pilot extraction happens for plain chat.
func NewChatParser(systems SystemIndex) *ChatParser {
	return &ChatParser{systems: systems}
}

// Parse converts one chat log line into a message
func (p *ChatParser) Parse(line string, src Source, generation uint64) *types.MessageInfo {
	line = strings.TrimSpace(strings.TrimPrefix(strings.TrimRight(line, "\r\n"), "\ufeff"))
	if line == "" {
		return nil
	}

	match := linePattern.FindStringSubmatch(line)
	if match == nil {
		return nil
	}

	ts, err := ParseTimestamp(match[1])
	if err != nil {
		return nil
	}

	msg := &types.MessageInfo{
		Timestamp:  ts,
		Character:  src.Character,
		Channel:    src.Channel,
		Kind:       types.KindChat,
		Sender:     strings.TrimSpace(match[2]),
		Text:       strings.TrimSpace(match[3]),
		Generation: generation,
	}

	if msg.Sender == SystemSender {
		if loc := locationPattern.FindStringSubmatch(msg.Text); loc != nil {
			msg.Kind = types.KindLocation
			msg.System = p.canonical(loc[1])
			msg.Pilot = src.Character
		}
		return msg
	}

	if bc := broadcastPattern.FindStringSubmatch(msg.Text); bc != nil {
		msg.Kind = types.KindBroadcast
		msg.Broadcast = normalizeBroadcast(bc[1])
		if system, _, _, ok := p.findSystem(strings.Fields(bc[2])); ok {
			msg.System = system
		}
		return msg
	}

	p.extractIntel(msg)
	return msg
}

// Name returns the parser name
func (p *ChatParser) Name() string {
	return "chat"
}

func (p *ChatParser) canonical(name string) string {
	name = strings.TrimSpace(strings.TrimRight(name, "*"))
	if p.systems != nil {
		if canonical, ok := p.systems.Canonical(name); ok {
			return canonical
		}
	}
	return name
}

// findSystem returns the first known system in words and the word span it
// occupies
func (p *ChatParser) findSystem(words []string) (string, int, int, bool) {
	if p.systems == nil {
		return "", 0, 0, false
	}
	for i := range words {
		for w := maxSystemWords; w >= 1; w-- {
			if i+w > len(words) {
				continue
			}
			candidate := cleanWord(strings.Join(words[i:i+w], " "))
			if candidate == "" {
				continue
			}
			if system, ok := p.systems.Canonical(candidate); ok {
				return system, i, i + w, true
			}
		}
	}
	return "", 0, 0, false
}

// extractIntel fills the system, clear flag and pilot names of a chat
// message. Pilots are only taken from messages that name a system.
func (p *ChatParser) extractIntel(msg *types.MessageInfo) {
	var candidates []string

	for _, segment := range separatorPattern.Split(msg.Text, -1) {
		words := strings.Fields(segment)
		if len(words) == 0 {
			continue
		}

		for _, w := range words {
			if clearWords[strings.ToLower(cleanWord(w))] {
				msg.Clear = true
			}
		}

		system, start, end, ok := p.findSystem(words)
		if !ok {
			candidates = append(candidates, strings.Join(words, " "))
			continue
		}
		if msg.System == "" {
			msg.System = system
		}
		if start > 0 {
			candidates = append(candidates, strings.Join(words[:start], " "))
		}
		if end < len(words) {
			candidates = append(candidates, strings.Join(words[end:], " "))
		}
	}

	if msg.System == "" || msg.Clear {
		return
	}

	seen := make(map[string]bool)
	for _, c := range candidates {
		name := cleanWord(c)
		if !p.looksLikePilot(name) {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		msg.Pilots = append(msg.Pilots, name)
	}
	if len(msg.Pilots) > 0 {
		msg.Pilot = msg.Pilots[0]
	}
}

func (p *ChatParser) looksLikePilot(name string) bool {
	if name == "" || !pilotPattern.MatchString(name) {
		return false
	}
	lower := strings.ToLower(name)
	if statusWords[lower] || clearWords[lower] || countPattern.MatchString(lower) {
		return false
	}
	if len(strings.Fields(name)) > maxPilotWords {
		return false
	}
	if p.systems != nil {
		if _, ok := p.systems.Canonical(name); ok {
			return false
		}
	}
	return true
}

// cleanWord strips the autocomplete marker and trailing punctuation
func cleanWord(s string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), "*.,!?:;"))
}

func normalizeBroadcast(kind string) string {
	words := strings.Fields(strings.ToLower(kind))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// ParseTimestamp attempts to parse a timestamp from a string using multiple formats
func ParseTimestamp(ts string, formats ...string) (time.Time, error) {
	if len(formats) == 0 {
		formats = DefaultTimeFormats()
	}

	for _, format := range formats {
		if t, err := time.ParseInLocation(format, ts, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp: %s", ts)
}

// DefaultTimeFormats returns the timestamp layouts seen in chat logs
func DefaultTimeFormats() []string {
	return []string{
		TimeFormat,
		"2006-01-02 15:04:05",
		time.RFC3339,
	}
}
