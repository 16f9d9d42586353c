package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/tcm-fusion/backend/internal/config"
	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/modality"
)

var (
	cfg *config.Config

	modalityName string
	pattern      string
	confidence   float64
)

var rootCmd = &cobra.Command{
	Use:   "modalitysim",
	Short: "Simulate a TCM modality service",
	Long: `Stands in for a looking, smelling, inquiry or palpation analyzer.
"serve" answers polls and webhook requests; "push" delivers one result
straight to the coordinator.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&modalityName, "modality", "m", "inquiry", "looking, smelling, inquiry or palpation")
	rootCmd.PersistentFlags().StringVarP(&pattern, "pattern", "p", "脾气虚", "pattern to report")
	rootCmd.PersistentFlags().Float64VarP(&confidence, "confidence", "c", 0.8, "pattern confidence")
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	loaded, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	cfg = loaded

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newSimulator builds a simulator from the persistent flags.
func newSimulator() (*simulator, error) {
	m, ok := diagnosis.ParseModality(modalityName)
	if !ok {
		return nil, fmt.Errorf("unknown modality %q", modalityName)
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("confidence %v is outside [0,1]", confidence)
	}
	token := ""
	if cfg != nil {
		token = cfg.Modalities[m].Token
	}
	return &simulator{
		modality:   m,
		pattern:    pattern,
		confidence: confidence,
		token:      token,
		client:     modality.NewHTTPClient(),
		polls:      make(map[string]int),
	}, nil
}

type simulator struct {
	modality   diagnosis.Modality
	pattern    string
	confidence float64
	pending    int
	token      string
	client     *http.Client

	mu    sync.Mutex
	polls map[string]int
}
