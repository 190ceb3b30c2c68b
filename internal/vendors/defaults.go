package vendors

import (
	"time"

	"github.com/marcus-qen/fcr/internal/protocol"
)

// genericProfile is the fallback for vendors with no specific entry. The
// prompt covers the common name>/name#/name$ shapes and the setup disables
// paging on the platforms that honor it.
func genericProfile(name string) *Profile {
	return &Profile{
		Name:        name,
		SessionType: protocol.SessionSSH,
		SupportedSessions: map[protocol.SessionType]bool{
			protocol.SessionSSH:     true,
			protocol.SessionNetconf: true,
		},
		PromptRegex:  []string{`[\w.]+[>#$]`},
		CLISetup:     []string{"term len 0", "term width 511"},
		ClearCommand: DefaultClearCommand,
		CmdTimeout:   30 * time.Second,
		Port:         22,
		Autocomplete: true,
	}
}

// builtinProfiles is the in-process default table. The profile file overlays
// these; entries here keep the service usable against the major platforms
// without any file at all.
func builtinProfiles() map[string]*Profile {
	profiles := map[string]*Profile{
		"arista": {
			PromptRegex: []string{`[\w.-]+[>#]`},
			CLISetup:    []string{"en", "term len 0", "term width 32767"},
		},
		"cisco": {
			PromptRegex: []string{`[\w.-]+[>#]`, `[\w.-]+\(config[^)]*\)#`},
			CLISetup:    []string{"term len 0", "term width 511"},
		},
		"juniper": {
			PromptRegex:  []string{`[\w.@-]+[>#%]`},
			ShellPrompts: []string{`%\s?`},
			CLISetup:     []string{"set cli screen-length 0", "set cli screen-width 0"},
			ExitCommand:  "exit",
		},
		"fortinet": {
			PromptRegex: []string{`[\w.-]+\s?[#$]`},
			CLISetup:    []string{"config system console", "set output standard", "end"},
		},
	}

	for name, p := range profiles {
		base := genericProfile(name)
		base.PromptRegex = p.PromptRegex
		if len(p.ShellPrompts) > 0 {
			base.ShellPrompts = p.ShellPrompts
		}
		if len(p.CLISetup) > 0 {
			base.CLISetup = p.CLISetup
		}
		if p.ExitCommand != "" {
			base.ExitCommand = p.ExitCommand
		}
		profiles[name] = base
	}
	return profiles
}
