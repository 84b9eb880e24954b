// Package cli holds the terminal helpers of diamondctl: shell completion
// scripts and colored status output.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Commands lists the diamondctl commands with a one-line description, in
// the order help prints them.
var Commands = [][2]string{
	{"call", "Dispatch a function by name or 0x selector"},
	{"cut", "Route functions to a facet"},
	{"remove", "Deregister a facet"},
	{"deploy", "Deploy a script module"},
	{"modules", "List deployed modules"},
	{"facets", "List routed facets"},
	{"route", "Show the facet a function is routed to"},
	{"owner", "Show the registry owner"},
	{"transfer", "Transfer ownership to an address"},
	{"renounce", "Renounce ownership"},
	{"events", "Show recent audit events"},
	{"selector", "Print the selector of a function name"},
	{"completion", "Generate shell completion script"},
}

// BashCompletion is the bash completion script for diamondctl.
const BashCompletion = `#!/bin/bash
# Bash completion for diamondctl

_diamondctl_completion() {
    local cur prev
    COMPREPLY=()
    cur="${COMP_WORDS[COMP_CWORD]}"
    prev="${COMP_WORDS[COMP_CWORD-1]}"

    local commands="call cut remove deploy modules facets route owner transfer renounce events selector completion"
    local global_flags="-url -wif -timeout"

    case "${prev}" in
        deploy)
            COMPREPLY=( $(compgen -f -X '!*.js' -- ${cur}) )
            return 0
            ;;
        completion)
            COMPREPLY=( $(compgen -W "bash zsh fish" -- ${cur}) )
            return 0
            ;;
    esac

    if [[ ${cur} == -* ]]; then
        COMPREPLY=( $(compgen -W "${global_flags}" -- ${cur}) )
        return 0
    fi
    COMPREPLY=( $(compgen -W "${commands}" -- ${cur}) )
    return 0
}

complete -F _diamondctl_completion diamondctl
`

// ZshCompletion is the zsh completion script for diamondctl.
const ZshCompletion = `#compdef diamondctl

_diamondctl() {
    local -a commands
    commands=(
        'call:Dispatch a function by name or 0x selector'
        'cut:Route functions to a facet'
        'remove:Deregister a facet'
        'deploy:Deploy a script module'
        'modules:List deployed modules'
        'facets:List routed facets'
        'route:Show the facet a function is routed to'
        'owner:Show the registry owner'
        'transfer:Transfer ownership to an address'
        'renounce:Renounce ownership'
        'events:Show recent audit events'
        'selector:Print the selector of a function name'
        'completion:Generate shell completion script'
    )

    _arguments -C \
        '-url[Registry base URL]:url:' \
        '-wif[Signing key in WIF]:wif:' \
        '-timeout[Request timeout]:duration:' \
        '1: :->command' \
        '*:: :->args'

    case $state in
        command)
            _describe 'command' commands
            ;;
        args)
            case $words[1] in
                deploy)
                    _files -g '*.js'
                    ;;
                completion)
                    _values 'shell' bash zsh fish
                    ;;
            esac
            ;;
    esac
}

_diamondctl "$@"
`

// FishCompletion is the fish completion script for diamondctl.
const FishCompletion = `# Fish completion for diamondctl
complete -c diamondctl -f -n "__fish_use_subcommand" -a "call" -d "Dispatch a function by name or 0x selector"
complete -c diamondctl -f -n "__fish_use_subcommand" -a "cut" -d "Route functions to a facet"
complete -c diamondctl -f -n "__fish_use_subcommand" -a "remove" -d "Deregister a facet"
complete -c diamondctl -f -n "__fish_use_subcommand" -a "deploy" -d "Deploy a script module"
complete -c diamondctl -f -n "__fish_use_subcommand" -a "modules" -d "List deployed modules"
complete -c diamondctl -f -n "__fish_use_subcommand" -a "facets" -d "List routed facets"
complete -c diamondctl -f -n "__fish_use_subcommand" -a "route" -d "Show the facet a function is routed to"
complete -c diamondctl -f -n "__fish_use_subcommand" -a "owner" -d "Show the registry owner"
complete -c diamondctl -f -n "__fish_use_subcommand" -a "transfer" -d "Transfer ownership to an address"
complete -c diamondctl -f -n "__fish_use_subcommand" -a "renounce" -d "Renounce ownership"
complete -c diamondctl -f -n "__fish_use_subcommand" -a "events" -d "Show recent audit events"
complete -c diamondctl -f -n "__fish_use_subcommand" -a "selector" -d "Print the selector of a function name"
complete -c diamondctl -f -n "__fish_use_subcommand" -a "completion" -d "Generate shell completion script"
complete -c diamondctl -n "__fish_seen_subcommand_from deploy" -a "(__fish_complete_suffix .js)"
complete -c diamondctl -f -n "__fish_seen_subcommand_from completion" -a "bash zsh fish"
`

// CompletionScript returns the script for shell.
func CompletionScript(shell string) (string, error) {
	switch shell {
	case "bash":
		return BashCompletion, nil
	case "zsh":
		return ZshCompletion, nil
	case "fish":
		return FishCompletion, nil
	default:
		return "", fmt.Errorf("unsupported shell: %s", shell)
	}
}

// WriteCompletion writes the script for shell to w.
func WriteCompletion(w io.Writer, shell string) error {
	script, err := CompletionScript(shell)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, script)
	return err
}

// CompletionPath is where InstallCompletion puts the script for shell under
// home.
func CompletionPath(home, shell string) (string, error) {
	switch shell {
	case "bash":
		return filepath.Join(home, ".bash_completion.d", "diamondctl"), nil
	case "zsh":
		return filepath.Join(home, ".zsh", "completion", "_diamondctl"), nil
	case "fish":
		return filepath.Join(home, ".config", "fish", "completions", "diamondctl.fish"), nil
	default:
		return "", fmt.Errorf("unsupported shell: %s", shell)
	}
}

// InstallCompletion writes the script for shell into the user's completion
// directory and returns its path.
func InstallCompletion(shell string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	path, err := CompletionPath(home, shell)
	if err != nil {
		return "", err
	}
	script, _ := CompletionScript(shell)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create completion directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		return "", fmt.Errorf("failed to write completion script: %w", err)
	}
	return path, nil
}
