package tool

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// sandboxImage is the minimal image external tool servers run under when
// cfg.Sandbox == "docker". It is deliberately generic: the tool server's
// own command and args are passed through unmodified.
const sandboxImage = "blah-code/tool-sandbox:latest"

// newServerTransport builds the MCP client transport for cfg: a bare
// subprocess by default, or a containerized one when cfg.Sandbox=="docker".
// The container path is an additive containment layer, not a hardened
// isolation boundary — network is disabled and only cwd is bind-mounted.
func newServerTransport(ctx context.Context, cfg ServerConfig) (mcpsdk.Transport, error) {
	cmd, err := buildCommand(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

// buildCommand constructs the subprocess the MCP client will talk to over
// stdio. CommandTransport only holds an *exec.Cmd — it has no notion of a
// container attach stream — so the docker path still ends in exec.Cmd, but
// the Docker SDK client is what decides whether there is a daemon to talk to
// and whether the sandbox image needs pulling first, the same two
// preflight steps the teacher's docker runtime performs via Ping and
// ImageExists/Pull before ever touching a container.
func buildCommand(ctx context.Context, cfg ServerConfig) (*exec.Cmd, error) {
	if cfg.Sandbox != "docker" {
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		cmd.Dir = cfg.Cwd
		cmd.Env = envSlice(cfg.Env)
		return cmd, nil
	}

	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sandbox: create client: %w", err)
	}
	defer func() { _ = cli.Close() }()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker sandbox: daemon unreachable: %w", err)
	}
	if err := ensureSandboxImage(ctx, cli); err != nil {
		return nil, err
	}

	args := []string{"run", "--rm", "-i", "--network", "none"}
	if cfg.Cwd != "" {
		args = append(args, "-v", cfg.Cwd+":"+cfg.Cwd, "-w", cfg.Cwd)
	}
	for k, v := range cfg.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, sandboxImage, cfg.Command)
	args = append(args, cfg.Args...)

	return exec.CommandContext(ctx, "docker", args...), nil
}

// ensureSandboxImage pulls sandboxImage if it isn't present locally already,
// mirroring the teacher's ImageExists/Pull pair.
func ensureSandboxImage(ctx context.Context, cli *dockerclient.Client) error {
	if _, err := cli.ImageInspect(ctx, sandboxImage); err == nil {
		return nil
	} else if !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("docker sandbox: inspect image: %w", err)
	}

	reader, err := cli.ImagePull(ctx, sandboxImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker sandbox: pull image %s: %w", sandboxImage, err)
	}
	defer func() { _ = reader.Close() }()

	var sink [4096]byte
	for {
		if _, err := reader.Read(sink[:]); err != nil {
			break
		}
	}
	return nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
