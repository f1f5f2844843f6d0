package identity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"fedpoison/internal/faults"
	"fedpoison/internal/logging"
	"fedpoison/internal/schema"
)

// MetaFile is written into the identities root once preparation completes.
const MetaFile = "preprocess_meta.json"

// PrepareOptions locates the CelebA distribution and the output tree.
type PrepareOptions struct {
	ImageDir       string
	IdentityFile   string
	OutputDir      string
	MinImagesPerID int
}

// PrepareMeta summarizes one preparation run.
type PrepareMeta struct {
	MinImagesPerID    int `json:"min_images_per_id"`
	IdentitiesTotal   int `json:"identities_total"`
	IdentitiesKept    int `json:"identities_kept"`
	IdentitiesDropped int `json:"identities_dropped"`
	TotalImagesCopied int `json:"total_images_copied"`
}

// Check verifies the counts against each other: every identity is either
// kept or dropped, and the kept ones hold at least the minimum of images.
func (m *PrepareMeta) Check() error {
	if m.IdentitiesKept+m.IdentitiesDropped != m.IdentitiesTotal {
		return faults.Integrityf("kept %d + dropped %d identities != total %d",
			m.IdentitiesKept, m.IdentitiesDropped, m.IdentitiesTotal)
	}
	if m.TotalImagesCopied < m.IdentitiesKept*m.MinImagesPerID {
		return fmt.Errorf("%w: %d images for %d identities", faults.ErrInsufficient,
			m.TotalImagesCopied, m.IdentitiesKept)
	}
	return nil
}

// Prepare builds one id_NNNNNN folder per CelebA person with at least
// MinImagesPerID images. If the output already carries a meta file, it is
// returned and nothing is rebuilt. The second return value reports whether
// the tree was built by this call.
func Prepare(ctx context.Context, opts PrepareOptions, log *logging.Logger) (*PrepareMeta, bool, error) {
	metaPath := filepath.Join(opts.OutputDir, MetaFile)
	if data, err := os.ReadFile(metaPath); err == nil {
		var meta PrepareMeta
		if err := schema.Unmarshal(schema.PreprocessMeta, data, &meta); err != nil {
			return nil, false, fmt.Errorf("%s: %w", metaPath, err)
		}
		if err := meta.Check(); err != nil {
			return nil, false, fmt.Errorf("%s: %w", metaPath, err)
		}
		log.Info("identities already prepared", "identities_kept", meta.IdentitiesKept)
		return &meta, false, nil
	}

	if opts.MinImagesPerID < 1 {
		return nil, false, faults.Configf("min images per identity must be >= 1")
	}

	order, byPerson, err := readMapping(opts.IdentityFile)
	if err != nil {
		return nil, false, err
	}
	log.Info("read identity mapping", "identities_total", len(order), "image_dir", opts.ImageDir)

	if info, err := os.Stat(opts.ImageDir); err != nil || !info.IsDir() {
		return nil, false, fmt.Errorf("%w: image directory %s", faults.ErrMissingSource, opts.ImageDir)
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, false, fmt.Errorf("create identities dir: %w", err)
	}

	meta := &PrepareMeta{
		MinImagesPerID:  opts.MinImagesPerID,
		IdentitiesTotal: len(order),
	}

	for _, pid := range order {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		images := byPerson[pid]
		if len(images) < opts.MinImagesPerID {
			meta.IdentitiesDropped++
			continue
		}

		personDir := filepath.Join(opts.OutputDir, fmt.Sprintf("id_%06d", pid))
		if err := os.MkdirAll(personDir, 0755); err != nil {
			return nil, false, fmt.Errorf("create %s: %w", personDir, err)
		}

		copied := 0
		for _, img := range images {
			src := filepath.Join(opts.ImageDir, img)
			if _, err := os.Stat(src); err != nil {
				continue
			}
			if err := CopyFile(src, filepath.Join(personDir, img)); err != nil {
				return nil, false, fmt.Errorf("copy %s: %w", img, err)
			}
			copied++
		}

		if copied < opts.MinImagesPerID {
			if err := os.RemoveAll(personDir); err != nil {
				return nil, false, fmt.Errorf("remove %s: %w", personDir, err)
			}
			log.Warn("identity dropped after copy", "person", pid, "copied", copied)
			meta.IdentitiesDropped++
			continue
		}

		meta.IdentitiesKept++
		meta.TotalImagesCopied += copied
	}

	if meta.IdentitiesKept == 0 {
		return nil, false, faults.ErrEmptyPool
	}
	if err := meta.Check(); err != nil {
		return nil, false, err
	}

	data, err := schema.Marshal(schema.PreprocessMeta, meta)
	if err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(metaPath, data, 0644); err != nil {
		return nil, false, fmt.Errorf("write %s: %w", MetaFile, err)
	}

	log.Info("identities prepared",
		"identities_kept", meta.IdentitiesKept,
		"identities_dropped", meta.IdentitiesDropped,
		"images_copied", meta.TotalImagesCopied)
	return meta, true, nil
}

// readMapping parses "<image> <person_id>" lines, returning person IDs in
// first-seen order and each person's images in file order.
func readMapping(path string) ([]int, map[int][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: identity file %s", faults.ErrMissingSource, path)
		}
		return nil, nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()

	var order []int
	byPerson := make(map[int][]string)

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, nil, faults.Configf("identity file line %d: want <image> <person_id>", lineNo)
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, nil, faults.Configf("identity file line %d: bad person id %q", lineNo, fields[1])
		}
		if _, seen := byPerson[pid]; !seen {
			order = append(order, pid)
		}
		byPerson[pid] = append(byPerson[pid], fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read identity file: %w", err)
	}

	return order, byPerson, nil
}
