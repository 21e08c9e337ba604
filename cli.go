package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func runVocab(cfg Config) {
	if _, err := os.Stat(cfg.VocabPath); err == nil {
		// Rebuilding would silently reindex bytes under an existing checkpoint.
		log.Fatalf("❌ Vocab file %s already exists; delete it (and the checkpoint) to rebuild", cfg.VocabPath)
	}

	fmt.Printf("📚 Loading corpus from %s...\n", cfg.CorpusPath)
	corpus, err := os.ReadFile(cfg.CorpusPath)
	if err != nil {
		log.Fatalf("❌ Error loading corpus: %v", err)
	}

	vocab := BuildVocab(corpus)
	if err := SaveVocab(cfg.VocabPath, vocab); err != nil {
		log.Fatalf("❌ Error: %v", err)
	}
	fmt.Printf("📝 Vocabulary of %d characters saved to %s\n", vocab.Size(), cfg.VocabPath)
}

func runTrain(cfg Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trainer, err := NewTrainer(cfg, os.Stdout)
	if errors.Is(err, ErrVocabMissing) {
		log.Fatalf("❌ Error: Vocab file missing. Run `onyx vocab` first. (%v)", err)
	}
	if err != nil {
		log.Fatalf("❌ Error: %v", err)
	}
	defer trainer.Close()

	res, err := trainer.Run(ctx)
	if err != nil {
		log.Fatalf("❌ Training failed: %v", err)
	}
	fmt.Printf("Stopped after %d epochs (%s), last loss %.10f\n", res.Epochs, res.Reason, res.AvgLoss)
}

func runVerify(cfg Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := NewVerifier(cfg, os.Stdout).Run(ctx)
	switch {
	case errors.Is(err, ErrVocabMissing):
		log.Fatalf("❌ Error: Vocab file not found! (%v)", err)
	case errors.Is(err, ErrCheckpointMissing):
		log.Fatalf("❌ Error: %v", err)
	case err != nil:
		log.Fatalf("❌ Verification failed: %v", err)
	}

	report.Render(os.Stdout)
	if !report.Match {
		os.Exit(1)
	}
}
