package ebd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// handlePublishCommand syncs the local binary cache to the mirror: newer or
// changed packages are uploaded, the signed index is regenerated, and with
// cleanup enabled superseded remote versions are pruned.
func handlePublishCommand(ctx context.Context, cfg *Config, cleanup bool) error {
	mirror, err := NewMirrorClient(cfg)
	if err != nil {
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Println("Fetching remote index")
	var remoteIndex []RepoEntry
	if data, err := mirror.DownloadFile(ctx, indexFileName); err != nil {
		debugf("Remote index not found or error fetching: %v\n", err)
	} else if remoteIndex, err = ParseRepoIndex(data); err != nil {
		return fmt.Errorf("failed to parse remote index: %w", err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Scanning local binaries in %s\n", BinDir)
	localFiles, err := filepath.Glob(filepath.Join(BinDir, "*.tar.zst"))
	if err != nil {
		return err
	}

	// Only the newest local version per name/arch is a publish candidate.
	latestLocals := make(map[string]RepoEntry)
	for _, file := range localFiles {
		entry, err := ReadPackageMetadata(file)
		if err != nil {
			debugf("Warning: skipping %s: %v\n", file, err)
			continue
		}
		key := entry.Name + "-" + entry.Arch
		if existing, ok := latestLocals[key]; !ok || isNewer(entry, existing) {
			latestLocals[key] = entry
		}
	}

	newIndex := make(map[string]RepoEntry)
	for _, entry := range remoteIndex {
		newIndex[entry.Name+"-"+entry.Arch] = entry
	}

	var sortedKeys []string
	for k := range latestLocals {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Strings(sortedKeys)

	var uploaded int
	for _, key := range sortedKeys {
		local := latestLocals[key]
		remote, exists := newIndex[key]
		if exists && !isNewer(local, remote) && local.B3Sum == remote.B3Sum {
			continue
		}

		colArrow.Print("-> ")
		if !askForConfirmation(colWarn, "Upload %s %s-%s (%s)?", local.Name, local.Version, local.Revision, local.Arch) {
			continue
		}

		localPath := filepath.Join(BinDir, local.Filename)
		if err := mirror.UploadLocalFile(ctx, local.Filename, localPath); err != nil {
			return fmt.Errorf("failed to upload %s: %w", local.Name, err)
		}
		// Ship the detached signature when the build produced one.
		if _, err := os.Stat(localPath + ".sig"); err == nil {
			if err := mirror.UploadLocalFile(ctx, local.Filename+".sig", localPath+".sig"); err != nil {
				return fmt.Errorf("failed to upload signature for %s: %w", local.Name, err)
			}
		}
		newIndex[key] = local
		uploaded++
	}

	if cleanup {
		if err := cleanupMirror(ctx, mirror, newIndex); err != nil {
			return err
		}
	}

	reportMirrorUsage(ctx, mirror)

	if uploaded == 0 && !cleanup {
		colArrow.Print("-> ")
		colSuccess.Println("Everything up to date.")
		return nil
	}

	colArrow.Print("-> ")
	colSuccess.Println("Updating remote index")
	final := make([]RepoEntry, 0, len(newIndex))
	for _, entry := range newIndex {
		final = append(final, entry)
	}
	sort.Slice(final, func(i, j int) bool {
		a, b := final[i], final[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Arch < b.Arch
	})

	indexBytes, err := MarshalRepoIndex(final)
	if err != nil {
		return err
	}
	if err := mirror.UploadFile(ctx, indexFileName, indexBytes); err != nil {
		return fmt.Errorf("failed to upload index: %w", err)
	}
	if activeKeyID != "" {
		priv, err := getPrivateKey()
		if err != nil {
			return fmt.Errorf("cannot sign index: %w", err)
		}
		if err := mirror.UploadFile(ctx, indexFileName+".sig", SignData(indexBytes, priv)); err != nil {
			return fmt.Errorf("failed to upload index signature: %w", err)
		}
	}
	colSuccess.Printf("Sync complete. %d package(s) uploaded.\n", uploaded)
	return nil
}

// cleanupMirror deletes remote tarballs (and their signatures) no longer
// referenced by the index.
func cleanupMirror(ctx context.Context, mirror *MirrorClient, index map[string]RepoEntry) error {
	colArrow.Print("-> ")
	colSuccess.Println("Checking for superseded versions on the mirror")
	remoteObjects, err := mirror.ListObjects(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list remote files: %w", err)
	}

	active := make(map[string]bool)
	for _, entry := range index {
		active[entry.Filename] = true
		active[entry.Filename+".sig"] = true
	}
	active[indexFileName] = true
	active[indexFileName+".sig"] = true

	var deleted int
	for _, obj := range remoteObjects {
		if active[obj.Key] || !strings.HasSuffix(obj.Key, ".tar.zst") {
			continue
		}
		colArrow.Print("-> ")
		if !askForConfirmation(colError, "Delete superseded %s from the mirror?", obj.Key) {
			continue
		}
		if err := mirror.DeleteFile(ctx, obj.Key); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to delete %s: %v\n", obj.Key, err)
			continue
		}
		// The orphaned signature goes with it; absence is fine.
		_ = mirror.DeleteFile(ctx, obj.Key+".sig")
		deleted++
	}
	if deleted > 0 {
		colSuccess.Printf("Cleanup complete. Deleted %d superseded file(s).\n", deleted)
	}
	return nil
}

func reportMirrorUsage(ctx context.Context, mirror *MirrorClient) {
	objects, err := mirror.ListObjects(ctx, "")
	if err != nil {
		return
	}
	var total int64
	for _, obj := range objects {
		total += obj.Size
	}
	colArrow.Print("-> ")
	colSuccess.Print("Mirror storage used: ")
	colNote.Printf("%s in %d object(s)\n", humanReadableSize(total), len(objects))
}
