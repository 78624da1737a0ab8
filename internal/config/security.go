package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// SecurityConfig holds security validation settings
type SecurityConfig struct {
	MaxWorkers          int      // Maximum number of delivery workers
	MaxConfigFileSize   int64    // Maximum config file size
	BlockedPathPatterns []string // Blocked path patterns
}

// DefaultSecurityConfig returns secure default security settings
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		MaxWorkers:        1000,
		MaxConfigFileSize: 1024 * 1024, // 1MB
		BlockedPathPatterns: []string{
			"/etc/passwd",
			"/etc/shadow",
			"/proc/",
			"/sys/",
			"/dev/",
			"/.ssh/",
		},
	}
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// SecurityValidator checks configured values before they reach the engine.
type SecurityValidator struct {
	config *SecurityConfig
}

// NewSecurityValidator creates a new security validator
func NewSecurityValidator() *SecurityValidator {
	return &SecurityValidator{config: DefaultSecurityConfig()}
}

// ValidatePath validates file paths for security issues
func (sv *SecurityValidator) ValidatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("null byte in %s", fieldName)
	}
	if err := sv.CheckPathTraversal(path); err != nil {
		return fmt.Errorf("path traversal detected in %s: %w", fieldName, err)
	}
	if err := sv.CheckBlockedPatterns(path); err != nil {
		return fmt.Errorf("blocked path pattern in %s: %w", fieldName, err)
	}
	if len(path) > 4096 {
		return fmt.Errorf("path too long in %s: %d characters (max 4096)", fieldName, len(path))
	}
	return nil
}

// ValidateNumericBounds validates numeric values for resource exhaustion
func (sv *SecurityValidator) ValidateNumericBounds(value int64, fieldName string, lo, hi int64) error {
	if value < lo {
		return fmt.Errorf("value too small for %s: %d (minimum: %d)", fieldName, value, lo)
	}
	if value > hi {
		return fmt.Errorf("value too large for %s: %d (maximum: %d)", fieldName, value, hi)
	}
	return nil
}

// ValidatePort validates port numbers
func (sv *SecurityValidator) ValidatePort(port int, fieldName string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port for %s: %d (must be 1-65535)", fieldName, port)
	}
	return nil
}

// ValidateNetworkAddress validates host:port listen addresses
func (sv *SecurityValidator) ValidateNetworkAddress(addr, fieldName string) error {
	if addr == "" {
		return fmt.Errorf("network address cannot be empty for %s", fieldName)
	}
	if err := sv.checkInjectionPatterns(addr); err != nil {
		return fmt.Errorf("injection pattern detected in %s: %w", fieldName, err)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format for %s: %w", fieldName, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port for %s: %s", fieldName, portStr)
	}
	if err := sv.ValidatePort(port, fieldName); err != nil {
		return err
	}
	if host != "" && net.ParseIP(host) == nil {
		return sv.ValidateHostname(host, fieldName)
	}
	return nil
}

// ValidateHostname validates hostnames announced or dialed by the engine
func (sv *SecurityValidator) ValidateHostname(hostname, fieldName string) error {
	if hostname == "" {
		return fmt.Errorf("hostname cannot be empty for %s", fieldName)
	}
	if err := sv.checkInjectionPatterns(hostname); err != nil {
		return fmt.Errorf("injection pattern detected in %s: %w", fieldName, err)
	}
	if len(hostname) > 253 {
		return fmt.Errorf("invalid hostname format for %s: length %d (must be 1-253)", fieldName, len(hostname))
	}
	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return nil
	}
	if !hostnameRegex.MatchString(hostname) {
		return fmt.Errorf("invalid hostname format for %s: %s", fieldName, hostname)
	}
	return nil
}

// CheckPathTraversal checks for directory traversal
func (sv *SecurityValidator) CheckPathTraversal(path string) error {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("parent directory reference detected: %s", path)
		}
	}
	return nil
}

// CheckBlockedPatterns checks for blocked path patterns
func (sv *SecurityValidator) CheckBlockedPatterns(path string) error {
	lowerPath := strings.ToLower(filepath.ToSlash(path))
	for _, pattern := range sv.config.BlockedPathPatterns {
		if strings.Contains(lowerPath, pattern) {
			return fmt.Errorf("blocked pattern detected: %s", pattern)
		}
	}
	return nil
}

func (sv *SecurityValidator) checkInjectionPatterns(input string) error {
	for _, pattern := range []string{"${", "$(", "`", ";", "|", "&", "\r", "\n", " "} {
		if strings.Contains(input, pattern) {
			return fmt.Errorf("injection pattern detected: %q", pattern)
		}
	}
	return nil
}

// ValidateConfigFileSize validates the size of the configuration file
func (sv *SecurityValidator) ValidateConfigFileSize(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.Size() > sv.config.MaxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), sv.config.MaxConfigFileSize)
	}
	return nil
}
