// Package vendors loads and serves vendor profiles: the prompt regexes,
// setup sequences, and session parameters for one device family. Profiles
// are compiled once at load time and immutable afterwards.
package vendors

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/marcus-qen/fcr/internal/protocol"
)

// DefaultClearCommand is NAK (Ctrl-U): clears any residual input on the
// device command line before a command is sent.
const DefaultClearCommand = "\x15"

// Profile describes how to drive one vendor's CLI or NETCONF dialect.
type Profile struct {
	Name              string
	SessionType       protocol.SessionType
	SupportedSessions map[protocol.SessionType]bool

	// PromptRegex are the regexes signalling end-of-output. At least one.
	PromptRegex []string

	// ShellPrompts match the shell some vendors drop into.
	ShellPrompts []string

	// CLISetup are the commands sent after login, each awaited to a prompt.
	CLISetup []string

	// ClearCommand is sent before every command; empty disables it.
	ClearCommand string

	// ExitCommand is sent on close when non-empty.
	ExitCommand string

	CmdTimeout   time.Duration
	Port         int
	Autocomplete bool

	promptRE *regexp.Regexp
}

// PromptPattern returns the compiled end-of-buffer prompt pattern covering
// the vendor prompts and shell prompts.
func (p *Profile) PromptPattern() *regexp.Regexp { return p.promptRE }

func (p *Profile) compile() error {
	if len(p.PromptRegex) == 0 {
		return fmt.Errorf("vendor %q: at least one prompt regex required", p.Name)
	}
	prompts := append([]string{}, p.PromptRegex...)
	prompts = append(prompts, p.ShellPrompts...)
	re, err := BuildPromptPattern(prompts)
	if err != nil {
		return fmt.Errorf("vendor %q: %w", p.Name, err)
	}
	p.promptRE = re
	return nil
}

// Supports reports whether the profile can open the given session type.
func (p *Profile) Supports(t protocol.SessionType) bool {
	return p.SupportedSessions[t]
}

// SelectSessionType picks the session type for a request. An unsupported
// request falls back to the vendor default.
func (p *Profile) SelectSessionType(requested protocol.SessionType) (protocol.SessionType, bool) {
	if requested == "" {
		return p.SessionType, true
	}
	if p.Supports(requested) {
		return requested, true
	}
	return p.SessionType, false
}

// BuildPromptPattern combines prompt regexes into one pattern anchored to
// the end of the buffer. The prompt must start on its own line and be the
// last text in the stream; commands are sent one at a time, so matching at
// end-of-buffer keeps false positives in command output rare.
func BuildPromptPattern(prompts []string) (*regexp.Regexp, error) {
	alts := make([]string, 0, len(prompts))
	for _, p := range prompts {
		if p == "" {
			return nil, fmt.Errorf("empty prompt regex")
		}
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("prompt regex %q: %w", p, err)
		}
		alts = append(alts, "("+p+")")
	}
	pattern := "[\n\r](" + strings.Join(alts, "|") + ")[ \t\r]*$"
	return regexp.Compile(pattern)
}

// fileProfile is the JSON shape of one vendor entry in the profile file.
type fileProfile struct {
	VendorName        string   `json:"vendor_name"`
	SessionType       string   `json:"session_type,omitempty"`
	SupportedSessions []string `json:"supported_sessions,omitempty"`
	PromptRegex       []string `json:"prompt_regex,omitempty"`
	ShellPrompts      []string `json:"shell_prompts,omitempty"`
	CLISetup          []string `json:"cli_setup,omitempty"`
	ClearCommand      *string  `json:"clear_command,omitempty"`
	ExitCommand       string   `json:"exit_command,omitempty"`
	CmdTimeoutSec     int      `json:"cmd_timeout_sec,omitempty"`
	Port              int      `json:"port,omitempty"`
	Autocomplete      *bool    `json:"autocomplete,omitempty"`
}

type vendorFile struct {
	VendorConfig map[string]fileProfile `json:"vendor_config"`
}

// Registry serves vendor profiles by name. Lookups of known vendors take
// only a read lock; unknown
// vendors get a profile built from the generic defaults, matching how
// heterogeneous fleets always have a long tail of one-off platforms.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry builds a registry from the built-in table, overlaid with the
// profile file at path when non-empty. On a name collision the file wins.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{profiles: make(map[string]*Profile)}

	for name, p := range builtinProfiles() {
		if err := p.compile(); err != nil {
			return nil, err
		}
		r.profiles[name] = p
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read vendor config: %w", err)
		}
		if err := r.loadJSON(data); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Registry) loadJSON(data []byte) error {
	var vf vendorFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return fmt.Errorf("parse vendor config: %w", err)
	}

	for name, fp := range vf.VendorConfig {
		base, ok := r.profiles[name]
		if !ok {
			base = genericProfile(name)
		}
		merged := mergeProfile(base, fp)
		if err := merged.compile(); err != nil {
			return err
		}
		r.profiles[name] = merged
	}
	return nil
}

// mergeProfile overlays the file entry on a base profile. Only fields
// present in the file replace the base values.
func mergeProfile(base *Profile, fp fileProfile) *Profile {
	p := *base
	p.promptRE = nil

	if fp.VendorName != "" {
		p.Name = fp.VendorName
	}
	if fp.SessionType != "" {
		p.SessionType = protocol.SessionType(fp.SessionType)
	}
	if len(fp.SupportedSessions) > 0 {
		p.SupportedSessions = make(map[protocol.SessionType]bool, len(fp.SupportedSessions))
		for _, s := range fp.SupportedSessions {
			p.SupportedSessions[protocol.SessionType(s)] = true
		}
		// The default session type is always supported.
		p.SupportedSessions[p.SessionType] = true
	}
	if len(fp.PromptRegex) > 0 {
		p.PromptRegex = fp.PromptRegex
	}
	if len(fp.ShellPrompts) > 0 {
		p.ShellPrompts = fp.ShellPrompts
	}
	if len(fp.CLISetup) > 0 {
		p.CLISetup = fp.CLISetup
	}
	if fp.ClearCommand != nil {
		p.ClearCommand = *fp.ClearCommand
	}
	if fp.ExitCommand != "" {
		p.ExitCommand = fp.ExitCommand
	}
	if fp.CmdTimeoutSec > 0 {
		p.CmdTimeout = time.Duration(fp.CmdTimeoutSec) * time.Second
	}
	if fp.Port > 0 {
		p.Port = fp.Port
	}
	if fp.Autocomplete != nil {
		p.Autocomplete = *fp.Autocomplete
	}
	return &p
}

// Get returns the profile for a vendor name. Unknown names get a freshly
// compiled generic profile.
func (r *Registry) Get(name string) *Profile {
	r.mu.RLock()
	p, ok := r.profiles[name]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = r.profiles[name]; ok {
		return p
	}
	p = genericProfile(name)
	// Generic defaults always compile.
	_ = p.compile()
	r.profiles[name] = p
	return p
}

// Names returns the vendor names currently known to the registry.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}
