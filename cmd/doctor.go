package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose common setup issues",
	Long: `Diagnose common setup issues and optionally fix them.

Examples:
  xylem doctor        # check for issues
  xylem doctor --fix  # check and auto-fix issues`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fix, _ := cmd.Flags().GetBool("fix")
		return runDoctor(fix)
	},
}

func init() {
	doctorCmd.Flags().Bool("fix", false, "Attempt to automatically fix issues")
}

// redact returns the first n and last n chars of s, or "***" if too short.
func redact(s string, n int) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= n*2 {
		return "***"
	}
	return s[:n] + "..." + s[len(s)-n:]
}

func xylemDataDir() string {
	if dir := os.Getenv("XYLEM_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".xylem")
}

// runDoctor diagnoses common setup issues
func runDoctor(fix bool) error {
	fmt.Println("🔍 Xylem Doctor - Diagnosing Setup")
	if fix {
		fmt.Println("🛠️  Auto-fix enabled")
	}
	fmt.Println()

	issues := 0
	warnings := 0
	fixed := 0

	// 1. Check if binary is in PATH
	fmt.Print("✓ Checking if xylem is in PATH... ")
	path, err := exec.LookPath("xylem")
	if err != nil {
		fmt.Println("❌ FAILED")
		fmt.Println("  Issue: xylem binary not found in PATH")
		fmt.Println("  Fix: Add xylem to your PATH or use full path")
		issues++
	} else {
		fmt.Printf("✅ OK (%s)\n", path)
	}

	// 2. Check binary permissions
	fmt.Print("✓ Checking binary permissions... ")
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Println("❌ FAILED")
			fmt.Printf("  Issue: Cannot stat binary: %v\n", err)
			issues++
		} else if info.Mode()&0111 == 0 {
			if fix {
				fmt.Print("🛠️  Fixing... ")
				if err := os.Chmod(path, info.Mode()|0111); err != nil {
					fmt.Printf("❌ FAILED: %v\n", err)
					issues++
				} else {
					fmt.Println("✅ FIXED")
					fixed++
				}
			} else {
				fmt.Println("❌ FAILED")
				fmt.Println("  Issue: Binary is not executable")
				fmt.Printf("  Fix: Run 'chmod +x %s'\n", path)
				issues++
			}
		} else {
			fmt.Println("✅ OK")
		}
	} else {
		fmt.Println("⚠️  SKIPPED (not in PATH)")
	}

	// 3. Check data directory
	fmt.Print("✓ Checking data directory... ")
	dataDir := xylemDataDir()
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		if fix {
			fmt.Print("🛠️  Creating... ")
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fmt.Printf("❌ FAILED: %v\n", err)
				issues++
			} else {
				fmt.Println("✅ FIXED")
				fixed++
			}
		} else {
			fmt.Println("⚠️  WARNING")
			fmt.Printf("  Data directory does not exist: %s\n", dataDir)
			fmt.Println("  It will be created on first run")
			warnings++
		}
	} else {
		fmt.Printf("✅ OK (%s)\n", dataDir)
	}

	// 4. Check SQLite database and vector index
	fmt.Print("✓ Checking memory store... ")
	store, err := memory.NewStore()
	if err != nil {
		fmt.Println("❌ FAILED")
		fmt.Printf("  Issue: Cannot open memory store: %v\n", err)
		issues++
	} else {
		var vecVersion string
		if err := store.GetDB().QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
			fmt.Println("⚠️  WARNING")
			fmt.Println("  sqlite-vec extension unavailable; search falls back to full scans")
			warnings++
		} else {
			fmt.Printf("✅ OK (sqlite-vec %s)\n", vecVersion)
		}
		fmt.Printf("✓ Checking embedder... ✅ OK (%d dimensions)\n", store.GetEmbedderDimensions())
		store.Close()
	}

	// 5. Check embedder configuration
	fmt.Print("✓ Checking embedder configuration... ")
	switch {
	case os.Getenv("XYLEM_AIR_GAPPED") != "":
		fmt.Println("✅ OK (air-gapped, local embedder)")
	case os.Getenv("OPENAI_API_KEY") != "":
		fmt.Printf("✅ OK (OpenAI key %s)\n", redact(os.Getenv("OPENAI_API_KEY"), 4))
	case os.Getenv("GEMINI_API_KEY") != "":
		fmt.Printf("✅ OK (Gemini key %s)\n", redact(os.Getenv("GEMINI_API_KEY"), 4))
	default:
		fmt.Println("⚠️  WARNING")
		fmt.Println("  No embedding API key set; using the local hashing embedder")
		fmt.Println("  Set OPENAI_API_KEY or GEMINI_API_KEY for better recall")
		warnings++
	}

	// 6. Check synthesis providers
	fmt.Print("✓ Checking synthesis providers... ")
	var available []string
	if custom := os.Getenv("XYLEM_SYNTH_COMMAND"); custom != "" {
		available = append(available, "custom ("+custom+")")
	}
	for _, name := range []string{"claude", "gemini"} {
		if _, err := exec.LookPath(name); err == nil {
			available = append(available, name)
		}
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		available = append(available, "openai")
	}
	if len(available) == 0 {
		fmt.Println("⚠️  WARNING")
		fmt.Println("  No synthesis provider found; 'ask' will return evidence without an answer")
		fmt.Println("  Install the claude or gemini CLI, or set OPENAI_API_KEY")
		warnings++
	} else {
		fmt.Printf("✅ OK (%v)\n", available)
	}

	// 7. Check for common environment issues
	fmt.Print("✓ Checking environment... ")
	if runtime.GOOS == "darwin" && runtime.GOARCH != "arm64" {
		fmt.Println("⚠️  WARNING (Running under Rosetta)")
		warnings++
	} else {
		fmt.Printf("✅ OK (%s/%s)\n", runtime.GOOS, runtime.GOARCH)
	}

	// Summary
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if issues == 0 && warnings == 0 {
		fmt.Println("✅ All checks passed! Xylem is ready to use.")
	} else {
		if fixed > 0 {
			fmt.Printf("🛠️  Auto-fixed %d issue(s)\n", fixed)
		}
		if issues > 0 {
			fmt.Printf("❌ Found %d critical issue(s)\n", issues)
		}
		if warnings > 0 {
			fmt.Printf("⚠️  Found %d warning(s)\n", warnings)
		}
		fmt.Println()
		fmt.Println("Run the suggested fixes above to resolve issues.")
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	if issues > 0 {
		return fmt.Errorf("found %d critical issue(s)", issues)
	}
	return nil
}
