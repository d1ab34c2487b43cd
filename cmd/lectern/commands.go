package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/lectern/internal/config"
	"github.com/kalambet/lectern/internal/slide"
)

// readDeck loads a JSON array of slides, as written by convert.
func readDeck(path string) ([]slide.Slide, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var deck []slide.Slide
	if err := json.Unmarshal(data, &deck); err != nil {
		return nil, fmt.Errorf("parsing deck %s: %w", path, err)
	}
	if len(deck) == 0 {
		return nil, fmt.Errorf("deck %s has no slides", path)
	}
	return deck, nil
}

// pickSlide returns the slide with the given 1-based ordinal.
func pickSlide(deck []slide.Slide, ordinal int) (slide.Slide, error) {
	for _, s := range deck {
		if s.Ordinal == ordinal {
			return s, nil
		}
	}
	return slide.Slide{}, fmt.Errorf("no slide with ordinal %d", ordinal)
}

// --- convert ---

var convertCmd = &cobra.Command{
	Use:   "convert <file>",
	Short: "Convert a presentation into a slide deck (JSON)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		imageDir, _ := cmd.Flags().GetString("images")
		if imageDir == "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			imageDir = cfg.Slides.ImageDir
		}

		printStep("Converting %s", filepath.Base(args[0]))
		deck, err := slide.BuildDeck(cmd.Context(), slide.NewCommandConverter(imageDir), args[0])
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(deck, "", "  ")
		if err != nil {
			return err
		}
		if out == "" {
			fmt.Println(string(data))
		} else if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		printSuccess("%d slides, images in %s", len(deck), imageDir)
		return nil
	},
}

// --- narrate ---

type narrationResult struct {
	NarrationText string `json:"narrationText"`
	AudioRef      string `json:"audioRef"`
	AudioURL      string `json:"audioUrl"`
	SlideID       string `json:"slideId"`
	GeneratedBy   string `json:"generatedBy"`
	Cached        bool   `json:"cached"`
}

var narrateCmd = &cobra.Command{
	Use:   "narrate",
	Short: "Narrate one slide of a deck",
	RunE: func(cmd *cobra.Command, args []string) error {
		deckPath, _ := cmd.Flags().GetString("deck")
		ordinal, _ := cmd.Flags().GetInt("slide")
		pregen, _ := cmd.Flags().GetBool("pregenerate")

		deck, err := readDeck(deckPath)
		if err != nil {
			return err
		}
		sl, err := pickSlide(deck, ordinal)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/narrate"
		if pregen {
			path = "/pregenerate-audio"
		}
		resp, err := client.post(cmd.Context(), path, map[string]any{"slide": sl})
		if err != nil {
			return err
		}
		var n narrationResult
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}

		fmt.Println(n.NarrationText)
		printStatus("Audio", "%s", orNone(n.AudioRef))
		if n.GeneratedBy != "" {
			printStatus("Provider", "%s", n.GeneratedBy)
		}
		if n.Cached {
			printStatus("Cached", "yes")
		}
		return nil
	},
}

// --- advance ---

var advanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Tell the server which slide is showing so it can pregenerate ahead",
	RunE: func(cmd *cobra.Command, args []string) error {
		deckPath, _ := cmd.Flags().GetString("deck")
		index, _ := cmd.Flags().GetInt("index")

		deck, err := readDeck(deckPath)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/presentation/advance", map[string]any{
			"slides":       deck,
			"currentIndex": index,
		})
		if err != nil {
			return err
		}
		var result struct {
			Scheduled []struct {
				SlideID  string `json:"slideId"`
				Priority string `json:"priority"`
			} `json:"scheduled"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		for _, s := range result.Scheduled {
			printStatus(s.SlideID, "%s", s.Priority)
		}
		printSuccess("Scheduled %d slides", len(result.Scheduled))
		return nil
	},
}

// --- conversation ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversation sessions",
}

var sessionInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Start a session with a deck as context",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		deckPath, _ := cmd.Flags().GetString("deck")

		body := map[string]any{"sessionId": id}
		if deckPath != "" {
			deck, err := readDeck(deckPath)
			if err != nil {
				return err
			}
			body["slides"] = deck
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/conversation/session/init", body)
		if err != nil {
			return err
		}
		var result struct {
			SessionID  string `json:"sessionId"`
			SlideCount int    `json:"slideCount"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		fmt.Println(result.SessionID)
		printSuccess("Session ready with %d slides", result.SlideCount)
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question within a session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("session")
		audio, _ := cmd.Flags().GetBool("audio")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/conversation/chat", map[string]any{
			"sessionId": id,
			"message":   strings.Join(args, " "),
			"options":   map[string]any{"generateAudio": audio},
		})
		if err != nil {
			return err
		}
		var result struct {
			Message        string  `json:"message"`
			AudioRef       string  `json:"audioRef"`
			Intent         string  `json:"intent"`
			Confidence     float64 `json:"confidence"`
			ResponseTimeMs int64   `json:"responseTimeMs"`
			RelevantSlides []struct {
				SlideOrdinal int     `json:"slideOrdinal"`
				Score        float64 `json:"score"`
			} `json:"relevantSlides"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Message)
		printStatus("Intent", "%s (%.2f)", result.Intent, result.Confidence)
		if len(result.RelevantSlides) > 0 {
			var parts []string
			for _, s := range result.RelevantSlides {
				parts = append(parts, fmt.Sprintf("#%d %.2f", s.SlideOrdinal, s.Score))
			}
			printStatus("Slides", "%s", strings.Join(parts, ", "))
		}
		if result.AudioRef != "" {
			printStatus("Audio", "%s", result.AudioRef)
		}
		printStatus("Latency", "%s", time.Duration(result.ResponseTimeMs)*time.Millisecond)
		return nil
	},
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics <session-id>",
	Short: "Show conversation analytics for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		history, _ := cmd.Flags().GetBool("history")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/conversation/session/" + args[0] + "/analytics"
		if history {
			path = "/conversation/session/" + args[0] + "/history"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var out json.RawMessage
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

func printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove cached audio, sessions and pregeneration jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		expired, _ := cmd.Flags().GetBool("expired")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/cleanup", map[string]any{"expiredOnly": expired})
		if err != nil {
			return err
		}
		var result struct {
			Removed         int `json:"removed"`
			AudioRemoved    int `json:"audioRemoved"`
			SessionsRemoved int `json:"sessionsRemoved"`
			JobsRemoved     int `json:"jobsRemoved"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printStatus("Audio", "%d", result.AudioRemoved)
		printStatus("Sessions", "%d", result.SessionsRemoved)
		printStatus("Jobs", "%d", result.JobsRemoved)
		printSuccess("Removed %d items", result.Removed)
		return nil
	},
}

// --- providers ---

type capabilityState struct {
	Capability string   `json:"capability"`
	Active     string   `json:"active"`
	Order      []string `json:"order"`
}

type providersResponse struct {
	Providers []struct {
		ID           string   `json:"id"`
		Capabilities []string `json:"capabilities"`
		Position     int      `json:"position"`
	} `json:"providers"`
	Capabilities []capabilityState `json:"capabilities"`
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List or switch AI providers",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered providers and the active one per capability",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/providers")
		if err != nil {
			return err
		}
		var result providersResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		for _, p := range result.Providers {
			fmt.Printf("  %s  %s\n", colorize(colorBold, p.ID), strings.Join(p.Capabilities, ", "))
		}
		for _, c := range result.Capabilities {
			printStatus(c.Capability, "%s", orNone(c.Active))
		}
		return nil
	},
}

var providersUseCmd = &cobra.Command{
	Use:   "use <capability> <provider>",
	Short: "Make a provider the first choice for a capability",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActiveProvider(cmd.Context(), args[0], args[1])
	},
}

func setActiveProvider(ctx context.Context, capability, id string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.put(ctx, "/providers/"+capability+"/active", map[string]string{"id": id})
	if err != nil {
		return err
	}
	var result capabilityState
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("%s now uses %s (order: %s)", result.Capability, result.Active, strings.Join(result.Order, ", "))
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		printStatus("Secrets", "%s", config.SecretLocation())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		if config.IsSecret(key) {
			printSuccess("Stored %s in %s", key, config.SecretLocation())
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	convertCmd.Flags().String("out", "", "write the deck JSON to this file instead of stdout")
	convertCmd.Flags().String("images", "", "directory for page images (default slides.image_dir)")

	narrateCmd.Flags().String("deck", "", "deck JSON produced by convert")
	narrateCmd.Flags().Int("slide", 1, "slide ordinal (1-based)")
	narrateCmd.Flags().Bool("pregenerate", false, "queue at high priority and wait instead of narrating inline")
	narrateCmd.MarkFlagRequired("deck")

	advanceCmd.Flags().String("deck", "", "deck JSON produced by convert")
	advanceCmd.Flags().Int("index", 0, "index of the slide now showing (0-based)")
	advanceCmd.MarkFlagRequired("deck")

	sessionInitCmd.Flags().String("id", "", "session id (generated when empty)")
	sessionInitCmd.Flags().String("deck", "", "deck JSON to use as slide context")
	sessionCmd.AddCommand(sessionInitCmd)

	askCmd.Flags().String("session", "", "session id")
	askCmd.Flags().Bool("audio", false, "also synthesize the answer")
	askCmd.MarkFlagRequired("session")

	analyticsCmd.Flags().Bool("history", false, "show the turn history instead")

	cleanupCmd.Flags().Bool("expired", false, "only remove expired entries")

	providersCmd.AddCommand(providersListCmd, providersUseCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)

	rootCmd.AddCommand(advanceCmd, sessionCmd)
}
