/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
)

// Kubernetes-style pull policy values for Spec.ImagePullPolicy, matching
// the teacher's corev1.PullPolicy constants so config authored for the
// operator's VLLMConfig translates unchanged.
const (
	PullAlways       = "Always"
	PullIfNotPresent = "IfNotPresent"
	PullNever        = "Never"
)

// Runtime starts, stops and inspects engine containers on one node. A
// thin interface over *DockerEngine so internal/node can be tested
// against a fake without a Docker daemon.
type Runtime interface {
	Start(ctx context.Context, spec Spec) (containerID string, err error)
	Stop(ctx context.Context, containerID string, graceful time.Duration) error
	Running(ctx context.Context, containerID string) (bool, error)
}

// DockerEngine is the production Runtime, backed by
// github.com/docker/docker/client — grounded on
// other_examples/manifests/neutree-ai-neutree, a sibling AI-serving
// control plane in the retrieval pack that manages vLLM/Ray containers
// the same way.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine dials the Docker daemon at host (empty uses the
// environment default, e.g. DOCKER_HOST or the local socket).
func NewDockerEngine(host string) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &DockerEngine{cli: cli}, nil
}

// Start creates and starts the container for spec, projecting
// spec.GPUIndices onto Docker's DeviceRequests the way the teacher's
// deploymentForVLLMRuntime turns Resources.GPU/GPUType into a Kubernetes
// resource request — same mapping, different target runtime.
func (e *DockerEngine) Start(ctx context.Context, spec Spec) (string, error) {
	portKey, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.Port))
	if err != nil {
		return "", err
	}

	if err := e.ensureImage(ctx, spec.DockerImage, spec.ImagePullPolicy); err != nil {
		return "", fmt.Errorf("%w: %v", apierrors.ErrEngineStartFailed, err)
	}

	containerCfg := &container.Config{
		Image:        spec.DockerImage,
		Cmd:          append([]string{"vllm", "serve"}, BuildArgs(spec)...),
		Env:          BuildEnv(spec),
		ExposedPorts: nat.PortSet{portKey: struct{}{}},
		Labels: map[string]string{
			"fleet.uid":        spec.UID,
			"fleet.replica_id": spec.ReplicaID,
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{portKey: []nat.PortBinding{{HostIP: "0.0.0.0"}}},
		AutoRemove:   false,
	}
	if len(spec.GPUIndices) > 0 {
		hostCfg.DeviceRequests = []container.DeviceRequest{
			{
				Driver:       "nvidia",
				DeviceIDs:    intsToStrings(spec.GPUIndices),
				Capabilities: [][]string{{"gpu"}},
			},
		}
	}

	name := fmt.Sprintf("fleet-%s-%s", spec.UID, spec.ReplicaID)
	resp, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apierrors.ErrEngineStartFailed, err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("%w: %v", apierrors.ErrEngineStartFailed, err)
	}
	return resp.ID, nil
}

// ensureImage applies policy to decide whether ref needs pulling:
// Never skips entirely (ContainerCreate surfaces a clear error if it's
// actually missing), Always pulls unconditionally, and the default
// IfNotPresent (also used for an empty/unrecognized policy, matching
// Kubernetes' own default) only pulls when a local inspect misses.
func (e *DockerEngine) ensureImage(ctx context.Context, ref, policy string) error {
	if policy == PullNever {
		return nil
	}
	if policy != PullAlways {
		if _, _, err := e.cli.ImageInspectWithRaw(ctx, ref); err == nil {
			return nil
		} else if !client.IsErrNotFound(err) {
			return err
		}
	}
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Stop signals the container to stop, waits up to graceful, then lets the
// Docker daemon force-kill it — the "signal, bounded wait, force-kill"
// sequence spec.md §4.4 requires, then removes the container.
func (e *DockerEngine) Stop(ctx context.Context, containerID string, graceful time.Duration) error {
	seconds := int(graceful.Seconds())
	if err := e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return err
	}
	return e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// Running reports whether containerID is currently running.
func (e *DockerEngine) Running(ctx context.Context, containerID string) (bool, error) {
	inspect, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func intsToStrings(xs []int) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = fmt.Sprintf("%d", x)
	}
	return out
}

var _ Runtime = (*DockerEngine)(nil)
