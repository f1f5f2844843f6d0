package detect

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Labels of the two trees.
const (
	LabelNormal = 0
	LabelAttack = 1
)

// Sample is the score of one identity folder.
type Sample struct {
	Client   string
	Identity string
	Label    int
	Score    float64
}

// Collection holds the scored samples and the count of excluded folders.
type Collection struct {
	Samples  []Sample
	Excluded int
}

// Counts returns the number of normal and attack samples.
func (c *Collection) Counts() (normal, attack int) {
	for _, s := range c.Samples {
		if s.Label == LabelAttack {
			attack++
		} else {
			normal++
		}
	}
	return normal, attack
}

// Collect scores every <client>/<identity> folder of the normal tree with
// label 0 and of the attack tree with label 1. Non-directory entries are
// ignored and a missing tree contributes nothing.
func (s *Scorer) Collect(ctx context.Context, normalDir, attackDir string) (*Collection, error) {
	c := &Collection{}
	for _, tree := range []struct {
		dir   string
		label int
	}{
		{normalDir, LabelNormal},
		{attackDir, LabelAttack},
	} {
		if err := s.collectTree(ctx, c, tree.dir, tree.label); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (s *Scorer) collectTree(ctx context.Context, c *Collection, dir string, label int) error {
	clients, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("sample tree missing", "dir", dir)
			return nil
		}
		return err
	}

	for _, client := range clients {
		if !client.IsDir() {
			continue
		}
		ids, err := os.ReadDir(filepath.Join(dir, client.Name()))
		if err != nil {
			return err
		}
		for _, id := range ids {
			if !id.IsDir() {
				continue
			}
			score, ok, err := s.ScoreIdentity(ctx, filepath.Join(dir, client.Name(), id.Name()))
			if err != nil {
				return err
			}
			if !ok {
				c.Excluded++
				continue
			}
			c.Samples = append(c.Samples, Sample{
				Client:   client.Name(),
				Identity: id.Name(),
				Label:    label,
				Score:    score,
			})
		}
	}
	return nil
}
