package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"ctpack/internal/models"
	"ctpack/pkg/codec"
	"ctpack/pkg/compression"
	"ctpack/pkg/config"
	"ctpack/pkg/container"
	"ctpack/pkg/dicomio"
	"ctpack/pkg/evaluate"
	"ctpack/pkg/metrics"
	"ctpack/pkg/server"
	"ctpack/pkg/visualization"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "compress":
		err = runCompress(os.Args[2:])
	case "decompress":
		err = runDecompress(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	case "report":
		err = runReport(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "evaluate":
		err = runEvaluate(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Println("ctpack - sparse delta compression for CT volumes")
	fmt.Println()
	fmt.Println("Usage: ctpack <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  compress    Compress a DICOM series into a .ctp artifact")
	fmt.Println("  decompress  Rebuild the volume from a .ctp artifact")
	fmt.Println("  verify      Compare an artifact against its source series")
	fmt.Println("  report      Summarize an artifact without decoding it")
	fmt.Println("  export      Export an LLM-ready preview bundle from an artifact")
	fmt.Println("  evaluate    Run the screening-preservation harness")
	fmt.Println("  serve       Run the REST compression service")
	fmt.Println()
	fmt.Println("Run 'ctpack <command> -h' for command flags.")
}

func banner() {
	fmt.Println("================================")
	fmt.Println("CTPACK SPARSE DELTA COMPRESSION FOR CT VOLUMES")
	fmt.Println("================================")
}

// printProgress reports slice-level pipeline progress every 50 slices
func printProgress(stage string, done, total int) {
	if total <= 1 {
		return
	}
	if done%50 == 0 || done == total {
		fmt.Printf("  %s: %d/%d slices\n", stage, done, total)
	}
}

// pipelineParams maps the config onto pipeline parameters
func pipelineParams(cfg *config.Config) (compression.Params, error) {
	payloadCodec, err := container.ParseCodec(cfg.Compression.Codec)
	if err != nil {
		return compression.Params{}, err
	}
	return compression.Params{
		BodyThreshold:  int16(cfg.Compression.BodyThreshold),
		DeltaThreshold: int32(cfg.Compression.DeltaThreshold),
		ClipMin:        int32(cfg.Compression.ClipMin),
		ClipMax:        int32(cfg.Compression.ClipMax),
		Codec:          payloadCodec,
		NumCores:       cfg.Compression.NumCores,
		Progress:       printProgress,
	}, nil
}

func newLoader(cfg *config.Config) *dicomio.Loader {
	loader := dicomio.NewLoader()
	loader.Modality = cfg.Loader.Modality
	loader.MinSlices = cfg.Loader.MinSlices
	return loader
}

func newVerifier(cfg *config.Config) *metrics.Verifier {
	v := metrics.NewVerifier()
	v.BodyThreshold = int16(cfg.Compression.BodyThreshold)
	v.MinPSNR = cfg.Verification.MinPSNR
	v.MinSSIM = cfg.Verification.MinSSIM
	return v
}

func newExporter(cfg *config.Config) *visualization.Exporter {
	e := visualization.NewExporter()
	e.SliceCount = cfg.Export.SliceCount
	e.MontageRows = cfg.Export.MontageRows
	e.MontageCols = cfg.Export.MontageCols
	e.WindowCenter = cfg.Export.WindowCenter
	e.WindowWidth = cfg.Export.WindowWidth
	return e
}

func runCompress(args []string) error {
	fs := flag.NewFlagSet("compress", flag.ExitOnError)
	inputDir := fs.String("input", "", "Directory containing the DICOM series")
	outputPath := fs.String("output", "scan.ctp", "Output artifact path")
	configPath := fs.String("config", "ctpack.yaml", "Configuration file")
	codecName := fs.String("codec", "", "Payload codec: none, zstd or lz4 (overrides config)")
	threshold := fs.Int("threshold", -1, "Delta materiality threshold in HU (overrides config)")
	numCores := fs.Int("cores", 0, "Number of CPU cores to use (default: config / all available)")
	verify := fs.Bool("verify", true, "Decode and verify quality after compressing")
	bundleDir := fs.String("export-bundle", "", "Also export an LLM preview bundle to this directory")
	fs.Parse(args)

	if *inputDir == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *codecName != "" {
		cfg.Compression.Codec = *codecName
	}
	if *threshold >= 0 {
		cfg.Compression.DeltaThreshold = *threshold
	}
	if *numCores > 0 {
		cfg.Compression.NumCores = *numCores
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	params, err := pipelineParams(cfg)
	if err != nil {
		return err
	}

	banner()
	fmt.Printf("Loading DICOM series from %s...\n", *inputDir)
	vol, err := newLoader(cfg).LoadVolume(*inputDir)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %dx%dx%d volume (%.1f MB)\n",
		vol.Width, vol.Height, vol.Depth, float64(vol.SizeBytes())/(1024*1024))

	fmt.Printf("Compressing with %s payload codec on %d cores...\n",
		params.Codec, params.NumCores)
	pipeline := compression.New(params)
	artifact, stats, err := pipeline.CompressFile(vol, *outputPath)
	if err != nil {
		return err
	}
	fmt.Printf("\nArtifact saved to: %s\n", *outputPath)
	printStats(stats)

	if *verify {
		fmt.Println("\nVerifying reconstruction...")
		recon, err := pipeline.Decompress(artifact)
		if err != nil {
			return err
		}
		report, err := newVerifier(cfg).Verify(vol, recon)
		if err != nil {
			return err
		}
		printQuality(&report, cfg)
		if !report.Passed {
			return fmt.Errorf("quality below thresholds (PSNR %.1f dB, SSIM %.3f)",
				report.PSNR, report.SSIM)
		}
	}

	if *bundleDir != "" {
		fmt.Printf("\nExporting preview bundle to %s...\n", *bundleDir)
		if _, err := newExporter(cfg).ExportBundle(vol, stats, *bundleDir); err != nil {
			return err
		}
	}
	return nil
}

func runDecompress(args []string) error {
	fs := flag.NewFlagSet("decompress", flag.ExitOnError)
	inputPath := fs.String("input", "", "Input .ctp artifact")
	outputDir := fs.String("output", "decompressed", "Output directory")
	configPath := fs.String("config", "ctpack.yaml", "Configuration file")
	fs.Parse(args)

	if *inputPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	params, err := pipelineParams(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Decompressing %s...\n", *inputPath)
	start := time.Now()
	vol, _, err := compression.New(params).DecompressFile(*inputPath)
	if err != nil {
		return err
	}
	fmt.Printf("Reconstructed %dx%dx%d volume in %.2f seconds\n",
		vol.Width, vol.Height, vol.Depth, time.Since(start).Seconds())

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		return err
	}
	rawPath := filepath.Join(*outputDir, "volume.raw")
	if err := writeRawVolume(rawPath, vol); err != nil {
		return err
	}
	fmt.Printf("Voxel data saved to: %s (int16 little-endian, x fastest)\n", rawPath)

	if err := writeVolumeMetadata(filepath.Join(*outputDir, "metadata.json"), vol); err != nil {
		return err
	}

	slicesDir := filepath.Join(*outputDir, "slices")
	fmt.Printf("Saving windowed slice previews to: %s\n", slicesDir)
	return newExporter(cfg).SaveSliceSequence(vol, slicesDir)
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	inputDir := fs.String("input", "", "Directory containing the original DICOM series")
	artifactPath := fs.String("artifact", "", "Compressed .ctp artifact")
	configPath := fs.String("config", "ctpack.yaml", "Configuration file")
	fs.Parse(args)

	if *inputDir == "" || *artifactPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	params, err := pipelineParams(cfg)
	if err != nil {
		return err
	}

	banner()
	fmt.Printf("Loading DICOM series from %s...\n", *inputDir)
	vol, err := newLoader(cfg).LoadVolume(*inputDir)
	if err != nil {
		return err
	}

	fmt.Printf("Decompressing %s...\n", *artifactPath)
	recon, _, err := compression.New(params).DecompressFile(*artifactPath)
	if err != nil {
		return err
	}

	report, err := newVerifier(cfg).Verify(vol, recon)
	if err != nil {
		return err
	}
	printQuality(&report, cfg)
	if !report.Passed {
		os.Exit(1)
	}
	return nil
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	inputPath := fs.String("input", "", "Input .ctp artifact")
	fs.Parse(args)

	if *inputPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	info, err := container.ReadInfoFile(*inputPath)
	if err != nil {
		return err
	}
	fi, err := os.Stat(*inputPath)
	if err != nil {
		return err
	}

	fmt.Printf("Artifact: %s\n", *inputPath)
	fmt.Printf("==========%s\n", dashes(len(*inputPath)))
	fmt.Printf("Format version:  %d\n", info.Version)
	fmt.Printf("Payload codec:   %s\n", info.Codec)
	fmt.Printf("File size:       %d bytes\n", fi.Size())
	fmt.Printf("Payload size:    %d bytes (%d decoded)\n", info.PayloadBytes, info.BodyBytes)
	fmt.Printf("Checksum:        present=%t\n", info.HasChecksum)
	fmt.Printf("Clip range:      [%d, %d] HU\n", info.ClipMin, info.ClipMax)

	c := info.Crop
	fmt.Printf("Original extent: %dx%dx%d\n", c.OriginalWidth, c.OriginalHeight, c.OriginalDepth)
	fmt.Printf("Body box:        [%d:%d, %d:%d, %d:%d] (%dx%dx%d, background %d HU)\n",
		c.X0, c.X1, c.Y0, c.Y1, c.Z0, c.Z1, c.Width, c.Height, c.Depth, c.BackgroundValue)

	if len(info.Metadata) > 0 {
		fmt.Println("Metadata:")
		keys := make([]string, 0, len(info.Metadata))
		for k := range info.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-18s %s\n", k+":", info.Metadata[k])
		}
	}
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	inputPath := fs.String("input", "", "Input .ctp artifact")
	outputDir := fs.String("output", "bundle", "Output bundle directory")
	configPath := fs.String("config", "ctpack.yaml", "Configuration file")
	sliceCount := fs.Int("slices", 0, "Number of representative slices (overrides config)")
	fs.Parse(args)

	if *inputPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *sliceCount > 0 {
		cfg.Export.SliceCount = *sliceCount
	}
	params, err := pipelineParams(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Decompressing %s...\n", *inputPath)
	vol, artifact, err := compression.New(params).DecompressFile(*inputPath)
	if err != nil {
		return err
	}
	fi, err := os.Stat(*inputPath)
	if err != nil {
		return err
	}

	// Rebuild the compression summary from the artifact itself
	stats := &models.CompressionStats{
		OriginalBytes: vol.SizeBytes(),
		Sparsity: codec.Sparsity(artifact.Deltas,
			artifact.Crop.Width*artifact.Crop.Height*artifact.Crop.Depth),
		SliceCount:   artifact.Crop.Depth,
		StoredDeltas: artifact.StoredDeltaCount(),
	}
	compression.FinalizeStats(stats, fi.Size())

	fmt.Printf("Exporting %d-slice bundle to %s...\n", cfg.Export.SliceCount, *outputDir)
	manifest, err := newExporter(cfg).ExportBundle(vol, stats, *outputDir)
	if err != nil {
		return err
	}
	fmt.Printf("Bundle written: %d slices + montage, %.1f KB total\n",
		manifest.Bundle.NumSlices, float64(manifest.Bundle.TotalBytes)/1024)
	fmt.Printf("Token estimate: %d (vs %d raw, %.1f%% savings)\n",
		manifest.Tokens.CompressedTokens, manifest.Tokens.OriginalTokens,
		manifest.Tokens.SavingsPercent)
	return nil
}

func runEvaluate(args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	datasetDir := fs.String("dataset", "", "Dataset directory with one case per subdirectory")
	labelsPath := fs.String("labels", "", "CSV of case,label ground truth")
	synthetic := fs.Int("synthetic", 0, "Evaluate N generated phantoms instead of a dataset")
	seed := fs.Int64("seed", 1, "Random seed for synthetic phantoms")
	outputPath := fs.String("output", "", "Write the full JSON report to this path")
	configPath := fs.String("config", "ctpack.yaml", "Configuration file")
	fs.Parse(args)

	if *datasetDir == "" && *synthetic <= 0 {
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	params, err := pipelineParams(cfg)
	if err != nil {
		return err
	}
	params.Progress = nil

	h := evaluate.NewHarness()
	h.Pipeline = compression.New(params)
	h.Verifier = newVerifier(cfg)
	h.Load = newLoader(cfg).LoadVolume
	h.Classifier = &evaluate.Classifier{
		LungLow:          int16(cfg.Evaluation.LungLow),
		LungHigh:         int16(cfg.Evaluation.LungHigh),
		SoftTissueHU:     int16(cfg.Evaluation.SoftTissueHU),
		DilateIterations: cfg.Evaluation.DilateIterations,
		MinNoduleVoxels:  cfg.Evaluation.MinNoduleVoxels,
	}

	banner()
	var result *evaluate.DatasetResult
	if *synthetic > 0 {
		fmt.Printf("Evaluating %d synthetic phantoms...\n", *synthetic)
		result = h.EvaluateSynthetic(*synthetic, *seed)
	} else {
		var labels map[string]string
		if *labelsPath != "" {
			labels, err = evaluate.LoadLabelsCSV(*labelsPath)
			if err != nil {
				return err
			}
			fmt.Printf("Loaded %d ground truth labels\n", len(labels))
		}
		fmt.Printf("Evaluating dataset %s...\n", *datasetDir)
		result, err = h.EvaluateDataset(*datasetDir, labels)
		if err != nil {
			return err
		}
	}

	fmt.Print(evaluate.FormatReport(result))

	if *outputPath != "" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(*outputPath, data, 0644); err != nil {
			return err
		}
		fmt.Printf("Full report saved to: %s\n", *outputPath)
	}
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "Listen address (overrides config)")
	jobRoot := fs.String("jobs", "", "Job working directory (overrides config)")
	configPath := fs.String("config", "ctpack.yaml", "Configuration file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *jobRoot != "" {
		cfg.Server.JobRoot = *jobRoot
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	banner()
	fmt.Printf("Serving on %s (jobs in %s, %d cores)\n",
		cfg.Server.Address, cfg.Server.JobRoot, runtime.NumCPU())
	return srv.Run(ctx)
}

// writeRawVolume dumps voxel data as little-endian int16, x fastest
func writeRawVolume(path string, vol *models.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, vol.Data); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func writeVolumeMetadata(path string, vol *models.Volume) error {
	meta := map[string]any{
		"shape":      [3]int{vol.Depth, vol.Height, vol.Width},
		"spacing_mm": [3]float64{vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z},
		"dtype":      "int16",
		"order":      "z,y,x (x fastest)",
		"source":     vol.Metadata,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func printStats(stats *models.CompressionStats) {
	fmt.Printf("\nCompression Metrics:\n")
	fmt.Printf("====================\n")
	fmt.Printf("Original size:    %.1f MB\n", float64(stats.OriginalBytes)/(1024*1024))
	fmt.Printf("Compressed size:  %.1f MB\n", float64(stats.CompressedBytes)/(1024*1024))
	fmt.Printf("Ratio:            %.1f:1 (%.1f%% saved)\n", stats.Ratio, stats.SpaceSavedPercent)
	fmt.Printf("Delta sparsity:   %.4f (%d stored deltas over %d slices)\n",
		stats.Sparsity, stats.StoredDeltas, stats.SliceCount)
	fmt.Printf("Elapsed:          %.2f seconds (%.1f MB/s)\n",
		stats.ElapsedSeconds, stats.ThroughputMBps)

	tokens := metrics.CostSavings(stats.OriginalBytes, stats.CompressedBytes)
	fmt.Printf("Token estimate:   %d compressed vs %d raw (%.1f%% savings)\n",
		tokens.CompressedTokens, tokens.OriginalTokens, tokens.SavingsPercent)
}

func printQuality(report *models.QualityReport, cfg *config.Config) {
	fmt.Printf("\nQuality Verification:\n")
	fmt.Printf("=====================\n")
	if math.IsInf(float64(report.PSNR), 1) {
		fmt.Printf("PSNR:             inf (bit-exact reconstruction)\n")
	} else {
		fmt.Printf("PSNR:             %.1f dB (threshold %.1f)\n", report.PSNR, cfg.Verification.MinPSNR)
	}
	fmt.Printf("SSIM:             %.4f (threshold %.2f)\n", report.SSIM, cfg.Verification.MinSSIM)
	fmt.Printf("Mean abs error:   %.2f HU\n", report.MeanAbsError)
	fmt.Printf("Max abs error:    %.0f HU\n", report.MaxAbsError)
	if report.Passed {
		fmt.Printf("Result:           PASSED\n")
	} else {
		fmt.Printf("Result:           FAILED\n")
	}
}

func dashes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '='
	}
	return string(b)
}
