package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/veobatch/internal/config"
	"github.com/kalambet/veobatch/internal/script"
)

// jobRow mirrors one job of the API's batch view.
type jobRow struct {
	Label      string `json:"label" yaml:"label"`
	Status     string `json:"status" yaml:"status"`
	TaskID     string `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	VideoURL   string `json:"video_url,omitempty" yaml:"video_url,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
	RetryCount int    `json:"retry_count" yaml:"retry_count"`
	MaxRetries int    `json:"max_retries" yaml:"max_retries"`
}

type batchView struct {
	BatchID string         `json:"batch_id" yaml:"batch_id"`
	Jobs    []jobRow       `json:"jobs" yaml:"jobs"`
	Counts  map[string]int `json:"counts" yaml:"counts"`
	Open    bool           `json:"open" yaml:"open"`
}

// --- segment ---

var segmentCmd = &cobra.Command{
	Use:   "segment <file>",
	Short: "Preview how a script splits into segments",
	Long: `Preview how a script splits into segments without contacting the provider.

Scripts may be plain text, markdown or PDF.

Examples:
  veobatch segment ./promo.txt
  veobatch segment ./promo.pdf -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := script.LoadFile(args[0])
		if err != nil {
			return err
		}
		segs := script.Parse(text)
		if len(segs) == 0 {
			printWarning("No segments found. Each segment must start with a label line such as HOOK or Backend 1.")
		}
		return renderSegments(cmd.OutOrStdout(), outputFormat, segs)
	},
}

func renderSegments(w io.Writer, format string, segs []script.Segment) error {
	if segs == nil {
		segs = []script.Segment{}
	}
	if ok, err := writeStructured(w, format, segs); ok {
		return err
	}
	fmt.Fprintf(w, "%s  %s  %s  %s\n",
		cell("#", 3, &boldStyle), cell("LABEL", 20, &boldStyle), cell("PRODUCT", 7, &boldStyle), colorize(boldStyle, "PROMPT"))
	for i, s := range segs {
		product := ""
		if s.HoldingProduct {
			product = "yes"
		}
		fmt.Fprintf(w, "%s  %s  %s  %s\n", cell(fmt.Sprint(i+1), 3, nil), cell(s.Label, 20, nil), cell(product, 7, nil), truncate(s.Prompt, 60))
	}
	return nil
}

// --- batch ---

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Create, refresh and download batches on a running server",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Submit a script as a new batch",
	Long: `Submit a script as a new batch.

Examples:
  veobatch batch create --script ./promo.txt --avatar https://cdn/me.png
  veobatch batch create --script ./promo.pdf --avatar https://cdn/me.png --product-avatar https://cdn/me-bottle.png`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("script")
		avatar, _ := cmd.Flags().GetString("avatar")
		productAvatar, _ := cmd.Flags().GetString("product-avatar")
		apiKey, _ := cmd.Flags().GetString("api-key")

		if path == "" || avatar == "" {
			return fmt.Errorf("--script and --avatar are required")
		}
		text, err := script.LoadFile(path)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if apiKey == "" {
			apiKey = defaultAPIKey()
		}

		v, err := createBatch(cmd.Context(), client, map[string]string{
			"api_key":            apiKey,
			"script":             text,
			"avatar_normal_url":  avatar,
			"avatar_product_url": productAvatar,
		})
		if err != nil {
			return err
		}
		printSuccess("Created batch %s with %d jobs", v.BatchID, len(v.Jobs))
		return renderBatch(cmd.OutOrStdout(), outputFormat, v)
	},
}

var batchStatusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Refresh a batch and show per-job status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey, _ := cmd.Flags().GetString("api-key")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		v, err := refreshBatch(cmd.Context(), client, args[0], apiKey)
		if err != nil {
			return err
		}
		if err := renderBatch(cmd.OutOrStdout(), outputFormat, v); err != nil {
			return err
		}
		if v.Open {
			printStep("Jobs still in progress; run status again to advance them")
		}
		return nil
	},
}

var batchDownloadCmd = &cobra.Command{
	Use:   "download <batch-id>",
	Short: "Download the completed videos of a batch as a zip archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		dest, _ := cmd.Flags().GetString("dest")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path, skipped, err := downloadArchive(cmd.Context(), client, args[0], name, dest)
		if err != nil {
			return err
		}
		if skipped != "" {
			printWarning("%s videos could not be downloaded and were left out", skipped)
		}
		printSuccess("Saved %s", path)
		return nil
	},
}

func init() {
	batchCreateCmd.Flags().String("script", "", "script file (.txt, .md or .pdf)")
	batchCreateCmd.Flags().String("avatar", "", "avatar image URL for regular segments")
	batchCreateCmd.Flags().String("product-avatar", "", "avatar image URL for HOLDING PRODUCT segments")
	batchCreateCmd.Flags().String("api-key", "", "provider API key (default: provider.api_key)")
	batchStatusCmd.Flags().String("api-key", "", "provider API key overriding the stored one")
	batchDownloadCmd.Flags().String("name", "", "archive name (default: batch_<id>)")
	batchDownloadCmd.Flags().String("dest", ".", "directory to save the archive in")

	batchCmd.AddCommand(batchCreateCmd)
	batchCmd.AddCommand(batchStatusCmd)
	batchCmd.AddCommand(batchDownloadCmd)
}

var defaultAPIKey = func() string {
	cfg, err := config.Load()
	if err != nil {
		return ""
	}
	return cfg.Provider.APIKey
}

func createBatch(ctx context.Context, c *apiClient, body map[string]string) (batchView, error) {
	resp, err := c.post(ctx, "/api/batches", body)
	if err != nil {
		return batchView{}, err
	}
	var v batchView
	if err := decodeJSON(resp, &v); err != nil {
		return batchView{}, err
	}
	return v, nil
}

func refreshBatch(ctx context.Context, c *apiClient, id, apiKey string) (batchView, error) {
	path := "/api/batches/" + url.PathEscape(id)
	if apiKey != "" {
		path += "?api_key=" + url.QueryEscape(apiKey)
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return batchView{}, err
	}
	var v batchView
	if err := decodeJSON(resp, &v); err != nil {
		return batchView{}, err
	}
	return v, nil
}

// downloadArchive saves the batch archive under dest using the file name
// the server offers. It returns the saved path and the skipped-artifact
// count reported by the server, if any.
func downloadArchive(ctx context.Context, c *apiClient, id, name, dest string) (string, string, error) {
	var body any
	if name != "" {
		body = map[string]string{"batch_name": name}
	}
	resp, err := c.post(ctx, "/api/batches/"+url.PathEscape(id)+"/archive", body)
	if err != nil {
		return "", "", err
	}
	if err := checkStatus(resp); err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	filename := "batch_" + id + ".zip"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = filepath.Base(params["filename"])
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", "", fmt.Errorf("creating %s: %w", dest, err)
	}
	path := filepath.Join(dest, filename)
	f, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("creating archive file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return "", "", fmt.Errorf("saving archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", "", err
	}
	return path, resp.Header.Get("X-Skipped-Artifacts"), nil
}

func renderBatch(w io.Writer, format string, v batchView) error {
	if ok, err := writeStructured(w, format, v); ok {
		return err
	}

	fmt.Fprintf(w, "%s %s\n", colorize(boldStyle, "Batch"), v.BatchID)
	fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
		cell("#", 3, &boldStyle), cell("LABEL", 28, &boldStyle), cell("STATUS", 10, &boldStyle),
		cell("RETRIES", 7, &boldStyle), colorize(boldStyle, "DETAIL"))
	for i, j := range v.Jobs {
		style := statusStyles[j.Status]
		detail := j.Error
		if j.Status == "completed" {
			detail = j.VideoURL
		}
		fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
			cell(fmt.Sprint(i+1), 3, nil), cell(j.Label, 28, nil), cell(j.Status, 10, &style),
			cell(fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries), 7, nil), truncate(detail, 70))
	}

	var parts []string
	for _, s := range []string{"completed", "generating", "queued", "failed"} {
		if n := v.Counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintln(w, colorize(mutedStyle, strings.Join(parts, ", ")))
	}
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

		keys := config.ShowAll(cfg)
		w := cmd.OutOrStdout()
		if ok, err := writeStructured(w, outputFormat, keys); ok {
			return err
		}
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %s\n", colorize(boldStyle, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value.\n\nValid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key>",
	Short: "Store a secret (server.token or provider.api_key) read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
		if err != nil {
			return fmt.Errorf("reading secret: %w", err)
		}
		value := strings.TrimSpace(string(data))
		if value == "" {
			return fmt.Errorf("empty secret on stdin")
		}
		if err := config.SetSecret(args[0], value); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
