package deploy

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/pkg/textx"
)

// buildImage tars the project directory and submits it to the engine as the
// build context for an image tagged with the project name.
func (d *Deployer) buildImage(ctx context.Context, dir, tag string) error {
	buildCtx, cancel := context.WithTimeout(ctx, d.buildTimeout)
	defer cancel()

	contextTar := tarDir(dir)
	defer contextTar.Close()

	resp, err := d.engine.ImageBuild(buildCtx, contextTar, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBuildFailed, err)
	}
	defer resp.Body.Close()

	if err := drainBuildStream(resp.Body); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBuildFailed, err)
	}
	return nil
}

// drainBuildStream consumes the engine's JSON build log until EOF. The
// build runs while the response streams, so the body must be read fully
// even when the caller ignores the output.
func drainBuildStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read build stream: %v", err)
		}
		if msg.Error != "" {
			return errors.New(textx.Truncate(strings.TrimSpace(msg.Error), errExcerptLimit))
		}
	}
}

// runContainer replaces any container named after the project with a fresh
// one mapping hostPort to the app's internal port.
func (d *Deployer) runContainer(ctx context.Context, name string, hostPort int) error {
	runCtx, cancel := context.WithTimeout(ctx, d.runTimeout)
	defer cancel()

	// A previous deploy may have left a container under the same name.
	_ = d.engine.ContainerRemove(runCtx, name, container.RemoveOptions{Force: true})

	port := nat.Port(internalPort)
	conf := &container.Config{
		Image:        name,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	host := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	created, err := d.engine.ContainerCreate(runCtx, conf, host, nil, nil, name)
	if err != nil {
		return fmt.Errorf("%w: create: %v", domain.ErrRunFailed, err)
	}
	if err := d.engine.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: start: %v", domain.ErrRunFailed, err)
	}
	return nil
}

// tarDir streams dir as an uncompressed tar archive rooted at its contents.
// .git is left out of the build context.
func tarDir(root string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.WalkDir(root, func(path string, de fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			if de.IsDir() && de.Name() == ".git" {
				return filepath.SkipDir
			}
			info, err := de.Info()
			if err != nil {
				return err
			}
			link := ""
			if info.Mode()&fs.ModeSymlink != 0 {
				if link, err = os.Readlink(path); err != nil {
					return err
				}
			}
			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			return err
		})
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr
}
