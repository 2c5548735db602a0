package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/osvaldoandrade/tiledetect/internal/services"
	"github.com/osvaldoandrade/tiledetect/pkg/app"
	"github.com/osvaldoandrade/tiledetect/pkg/config"
	"github.com/osvaldoandrade/tiledetect/pkg/domain"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type detectionResp struct {
	domain.DetectionResult
	Code         string `json:"code"`
	ArtifactURLs *struct {
		JSONURL  string `json:"json_url"`
		ImageURL string `json:"image_url"`
	} `json:"artifact_urls"`
}

func detectCmd(baseURL, token *string, ui *ui) *cobra.Command {
	var (
		conf         float64
		saveArtifact string
		outDir       string
		raw          bool
	)
	cmd := &cobra.Command{
		Use:     "detect <image> [image...]",
		Short:   "Submit images for tile detection",
		Args:    cobra.MinimumNArgs(1),
		Example: "tiledetect detect hand.jpg --conf 0.25 --save-artifact annotated.jpg",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("conf") && (conf <= 0 || conf > 1) {
				return errors.New("--conf must be in (0,1]")
			}
			if saveArtifact != "" && len(args) > 1 {
				return errors.New("--save-artifact takes a single image; use --out-dir for several")
			}
			c := newClient(*baseURL, *token)

			if len(args) == 1 {
				spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
				spin.Suffix = " Detecting tiles..."
				spin.Start()
				res, body, err := submit(c, args[0], conf)
				spin.Stop()
				if err != nil {
					return err
				}
				if raw {
					fmt.Println(string(body))
				} else {
					printResult(ui, args[0], res)
				}
				if saveArtifact != "" {
					return download(c, ui, res, saveArtifact)
				}
				return nil
			}

			bar := progressbar.NewOptions(len(args),
				progressbar.OptionSetDescription("Detecting"),
				progressbar.OptionSetWidth(18),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
			type outcome struct {
				image string
				res   *detectionResp
				err   error
			}
			outcomes := make([]outcome, 0, len(args))
			for _, img := range args {
				res, _, err := submit(c, img, conf)
				outcomes = append(outcomes, outcome{image: img, res: res, err: err})
				if err == nil && outDir != "" {
					name := stemOf(img) + "_annotated" + filepath.Ext(img)
					err = download(c, ui, res, filepath.Join(outDir, name))
					outcomes[len(outcomes)-1].err = err
				}
				_ = bar.Add(1)
			}
			failed := 0
			for _, o := range outcomes {
				if o.err != nil {
					failed++
					fmt.Printf("%s %s: %v\n", ui.err("[FAIL]"), o.image, o.err)
					continue
				}
				printResult(ui, o.image, o.res)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d images failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&conf, "conf", 0, "Confidence threshold override (0,1]")
	cmd.Flags().StringVar(&saveArtifact, "save-artifact", "", "Write the annotated image to this path")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "Write annotated images for every input into this directory")
	cmd.Flags().BoolVar(&raw, "json", false, "Print the raw JSON response")
	return cmd
}

func submit(c *client, imagePath string, conf float64) (*detectionResp, []byte, error) {
	status, body, err := c.upload("/v1/detections", imagePath, conf)
	if err != nil {
		return nil, nil, err
	}
	var res detectionResp
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, body, fmt.Errorf("error (%d): %s", status, string(body))
	}
	if status >= 300 || !res.Success {
		msg := ""
		if res.Error != nil {
			msg = *res.Error
		}
		return &res, body, fmt.Errorf("%s error (%d): %s", emptyOr(res.Code, string(res.ErrorKind)), status, msg)
	}
	return &res, body, nil
}

func download(c *client, ui *ui, res *detectionResp, dest string) error {
	if res.ArtifactURLs == nil || res.ArtifactURLs.ImageURL == "" {
		fmt.Printf("%s No annotated image for %s\n", ui.warn("[WARN]"), res.RequestID)
		return nil
	}
	status, body, err := c.get(res.ArtifactURLs.ImageURL)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("artifact error (%d): %s", status, string(body))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s Annotated image saved to %s\n", ui.ok("[OK]"), dest)
	return nil
}

func printResult(ui *ui, image string, res *detectionResp) {
	fmt.Printf("%s %s %s\n", ui.title(image), ui.dim(res.RequestID), res.Summary)
	for _, d := range res.Detections {
		fmt.Printf("  %s %-14s %s  (%.0f,%.0f)-(%.0f,%.0f)\n",
			ui.info(fmt.Sprintf("#%02d", d.ID)),
			d.ClassName,
			ui.dim(fmt.Sprintf("%.2f", d.Confidence)),
			d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2,
		)
	}
	if res.ResolutionError != "" {
		fmt.Printf("  %s %s\n", ui.warn("[WARN]"), res.ResolutionError)
	}
}

func resultCmd(baseURL, token *string, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "result <request-id>",
		Short: "Fetch a recorded detection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL, *token)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching detection..."
			spin.Start()
			status, body, err := c.get("/v1/detections/" + url.PathEscape(args[0]))
			spin.Stop()
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("error (%d): %s", status, string(body))
			}
			fmt.Println(string(body))
			return nil
		},
	}
}

func artifactCmd(baseURL, token *string, ui *ui) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Download detection artifacts",
	}

	var out string
	get := &cobra.Command{
		Use:   "get <name>",
		Short: "Download an artifact by file name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchTo(newClient(*baseURL, *token), ui, "/artifacts/"+url.PathEscape(args[0]), emptyOr(out, args[0]))
		},
	}
	get.Flags().StringVarP(&out, "output", "o", "", "Output path (defaults to the artifact name)")

	var (
		kind    string
		fromOut string
	)
	fetch := &cobra.Command{
		Use:   "fetch <request-id>",
		Short: "Download the artifact of a recorded detection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := domain.ParseArtifactKind(kind); !ok {
				return fmt.Errorf("--kind must be %s or %s", domain.ArtifactImage, domain.ArtifactJSON)
			}
			dest := fromOut
			if dest == "" {
				dest = args[0] + "." + kind
			}
			path := "/v1/detections/" + url.PathEscape(args[0]) + "/artifacts/" + kind
			return fetchTo(newClient(*baseURL, *token), ui, path, dest)
		},
	}
	fetch.Flags().StringVar(&kind, "kind", string(domain.ArtifactImage), "Artifact kind: image or json")
	fetch.Flags().StringVarP(&fromOut, "output", "o", "", "Output path")

	cmd.AddCommand(get, fetch)
	return cmd
}

func fetchTo(c *client, ui *ui, path, dest string) error {
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	spin.Suffix = " Downloading..."
	spin.Start()
	status, body, err := c.get(path)
	spin.Stop()
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("error (%d): %s", status, string(body))
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s Saved %d bytes to %s\n", ui.ok("[OK]"), len(body), dest)
	return nil
}

func localCmd(ui *ui) *cobra.Command {
	var (
		cfgPath string
		conf    float64
		raw     bool
	)
	cmd := &cobra.Command{
		Use:   "local <image>",
		Short: "Run the detection pipeline in this process",
		Long:  "Runs staging, detection and artifact resolution locally with the server configuration, without an HTTP hop.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigOptional(cfgPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("verbose") {
				cfg.LogLevel = "error"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a, err := app.NewApplication(cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			st, err := f.Stat()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			opts := services.Options{Caller: "cli"}
			if cmd.Flags().Changed("conf") {
				opts.Confidence = &conf
			}
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = fmt.Sprintf(" Running %s detector...", a.Detector.Name())
			spin.Start()
			res, err := a.Detections.Run(ctx, domain.UploadedImage{
				Filename: filepath.Base(args[0]),
				Size:     st.Size(),
				Content:  f,
			}, opts)
			spin.Stop()
			if err != nil {
				return err
			}
			if raw {
				b, _ := json.MarshalIndent(res, "", "  ")
				fmt.Println(string(b))
				return nil
			}
			printResult(ui, args[0], &detectionResp{DetectionResult: *res})
			if res.Artifacts != nil && res.Artifacts.ImageName != "" {
				fmt.Printf("%s Annotated image: %s\n", ui.ok("[OK]"),
					filepath.Join(cfg.Artifacts.OutputRoot, res.Artifacts.RunName, res.Artifacts.ImageName))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", os.Getenv("TILEDETECT_CONFIG_PATH"), "Server config file")
	cmd.Flags().Float64Var(&conf, "conf", 0, "Confidence threshold override (0,1]")
	cmd.Flags().BoolVar(&raw, "json", false, "Print the result as JSON")
	cmd.Flags().Bool("verbose", false, "Keep service logs")
	return cmd
}

func stemOf(p string) string {
	base := filepath.Base(p)
	return base[:len(base)-len(filepath.Ext(base))]
}
