package symbols

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

type (
	// compiledPattern holds a pre-compiled regex pattern and its provider
	// symbol template.
	compiledPattern struct {
		regex     *regexp.Regexp
		symbol    string
		variables []string
	}

	// Mapper resolves internal asset ids to provider symbols.
	// Thread-safe for concurrent use (immutable after construction).
	//
	// Resolution order:
	//   - Exact overrides win
	//   - Patterns are evaluated in order; first match wins
	//   - No match is an error: serving an unmapped asset would silently
	//     query the wrong instrument
	//
	// Pattern syntax:
	//   - {variable} captures any characters except "."
	//   - {variable*} captures any characters including "." (for suffixed ids)
	//   - Literal characters match exactly
	Mapper struct {
		overrides map[string]string
		patterns  []compiledPattern
	}
)

// variableRegex matches {name} or {name*} placeholders in a pattern string.
var variableRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\*?\}`)

// compilePattern converts a pattern string to a compiled regex.
//
// Pattern: "{ticker}.XNAS" → Regex: ^(?P<ticker>[^.]+)\.XNAS$.
// Pattern: "{id*}" → Regex: ^(?P<id>.+)$.
func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	variables := make([]string, 0, 2) //nolint:mnd // preallocate for typical pattern

	// Escape regex special characters in literal parts
	result := regexp.QuoteMeta(pattern)

	// Replace escaped variable placeholders with capture groups.
	// QuoteMeta escapes { and }, so we look for the escaped forms.
	matches := variableRegex.FindAllStringSubmatch(pattern, -1)
	for _, match := range matches {
		fullMatch := match[0] // e.g., "{ticker}" or "{id*}"
		varName := match[1]   // e.g., "ticker" or "id"
		isGreedy := strings.HasSuffix(fullMatch, "*}")

		variables = append(variables, varName)

		var captureGroup string
		if isGreedy {
			// {var*} captures anything including dots
			captureGroup = "(?P<" + varName + ">.+)"
		} else {
			// {var} captures anything except dots
			captureGroup = "(?P<" + varName + ">[^.]+)"
		}

		escapedVar := regexp.QuoteMeta(fullMatch)
		result = strings.Replace(result, escapedVar, captureGroup, 1)
	}

	// Anchor the regex to match the entire asset id
	result = "^" + result + "$"

	regex, err := regexp.Compile(result)
	if err != nil {
		return nil, nil, err
	}

	return regex, variables, nil
}

// substituteVariables replaces {var} placeholders in the symbol template
// with captured values.
func substituteVariables(symbol string, captures map[string]string) string {
	result := symbol

	for varName, value := range captures {
		result = strings.ReplaceAll(result, "{"+varName+"}", value)
		result = strings.ReplaceAll(result, "{"+varName+"*}", value)
	}

	return result
}

// NewMapper creates a mapper from config with validation.
//
// Validates:
//   - Patterns with empty pattern or symbol are skipped with warning
//   - Patterns with invalid regex are skipped with warning
//
// Returns a mapper containing the overrides plus only the valid patterns.
// A nil config yields a mapper that rejects every asset id.
func NewMapper(cfg *Config) *Mapper {
	mapper := &Mapper{
		overrides: map[string]string{},
		patterns:  []compiledPattern{},
	}

	if cfg == nil {
		return mapper
	}

	for assetID, symbol := range cfg.SymbolOverrides {
		assetID = strings.TrimSpace(assetID)
		symbol = strings.TrimSpace(symbol)

		if assetID == "" || symbol == "" {
			slog.Warn("Skipping symbol override with empty key or value")

			continue
		}

		mapper.overrides[assetID] = symbol
	}

	for _, sp := range cfg.SymbolPatterns {
		pattern := strings.TrimSpace(sp.Pattern)
		symbol := strings.TrimSpace(sp.Symbol)

		if pattern == "" {
			slog.Warn("Skipping pattern with empty pattern string")

			continue
		}

		if symbol == "" {
			slog.Warn("Skipping pattern with empty symbol template",
				slog.String("pattern", pattern))

			continue
		}

		regex, variables, err := compilePattern(pattern)
		if err != nil {
			slog.Warn("Skipping pattern with invalid regex",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))

			continue
		}

		mapper.patterns = append(mapper.patterns, compiledPattern{
			regex:     regex,
			symbol:    symbol,
			variables: variables,
		})

		slog.Debug("Compiled symbol pattern",
			slog.String("pattern", pattern),
			slog.String("symbol", symbol),
			slog.Int("variables", len(variables)))
	}

	return mapper
}

// GetPatternCount returns the number of compiled patterns.
func (m *Mapper) GetPatternCount() int {
	if m == nil {
		return 0
	}

	return len(m.patterns)
}

// ResolveSymbol maps an asset id to its provider symbol. Overrides are
// checked first, then patterns in order.
func (m *Mapper) ResolveSymbol(assetID string) (string, error) {
	if m == nil || assetID == "" {
		return "", fmt.Errorf("no symbol mapping for asset %q", assetID)
	}

	if symbol, ok := m.overrides[assetID]; ok {
		return symbol, nil
	}

	for _, cp := range m.patterns {
		match := cp.regex.FindStringSubmatch(assetID)
		if match == nil {
			continue
		}

		captures := make(map[string]string)

		for i, name := range cp.regex.SubexpNames() {
			if i > 0 && name != "" && i < len(match) {
				captures[name] = match[i]
			}
		}

		return substituteVariables(cp.symbol, captures), nil
	}

	return "", fmt.Errorf("no symbol mapping for asset %q", assetID)
}

// ResolveMany resolves every asset id, failing on the first unmapped one.
func (m *Mapper) ResolveMany(assetIDs []string) (map[string]string, error) {
	resolved := make(map[string]string, len(assetIDs))

	for _, assetID := range assetIDs {
		symbol, err := m.ResolveSymbol(assetID)
		if err != nil {
			return nil, err
		}

		resolved[assetID] = symbol
	}

	return resolved, nil
}
