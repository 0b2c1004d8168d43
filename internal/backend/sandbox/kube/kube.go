// Package kube is a sandbox provider that runs each sandbox as a pod and
// enforces network policy with a per-sandbox NetworkPolicy object.
package kube

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/homedir"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/backend/sandbox"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelSandbox   = "vshell/sandbox"
	managerName    = "vshell"
	containerName  = "sandbox"
	defaultImage   = "alpine:3.20"
)

type Config struct {
	Namespace  string
	Kubeconfig string
	Image      string
	Memory     string
	CPUs       string
}

type Provider struct {
	cfg        Config
	clientset  kubernetes.Interface
	restConfig *rest.Config
	log        *log.Logger

	readyTimeout time.Duration
	pollInterval time.Duration
}

var _ sandbox.Provider = (*Provider)(nil)

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Image == "" {
		c.Image = defaultImage
	}
}

func (c Config) validate() error {
	for key, v := range map[string]string{"memory": c.Memory, "cpus": c.CPUs} {
		if v == "" {
			continue
		}
		if _, err := resource.ParseQuantity(v); err != nil {
			return shellerr.Wrap(shellerr.BackendInvalidConfig, err, map[string]any{"kind": string(backend.KindSandbox), key: v})
		}
	}
	return nil
}

// New connects in-cluster when possible, otherwise through kubeconfig.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := cfg.Kubeconfig
		if kubeconfig == "" {
			kubeconfig = clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		}
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("k8s config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	if _, err := clientset.CoreV1().Namespaces().Get(ctx, cfg.Namespace, metav1.GetOptions{}); err != nil {
		return nil, fmt.Errorf("k8s namespace check: %w", err)
	}
	return NewWithClient(cfg, clientset, restConfig), nil
}

// NewWithClient wraps an existing clientset. restConfig is only needed for
// exec.
func NewWithClient(cfg Config, clientset kubernetes.Interface, restConfig *rest.Config) *Provider {
	cfg.applyDefaults()
	return &Provider{
		cfg:          cfg,
		clientset:    clientset,
		restConfig:   restConfig,
		log:          log.Default().WithPrefix("sandbox.kube"),
		readyTimeout: 2 * time.Minute,
		pollInterval: 2 * time.Second,
	}
}

// Opener reads params namespace, kubeconfig, image, memory and cpus over
// defaults.
func Opener(defaults Config) sandbox.Opener {
	return func(ctx context.Context, params map[string]string) (sandbox.Provider, error) {
		cfg := defaults
		for key, dst := range map[string]*string{
			"namespace":  &cfg.Namespace,
			"kubeconfig": &cfg.Kubeconfig,
			"image":      &cfg.Image,
			"memory":     &cfg.Memory,
			"cpus":       &cfg.CPUs,
		} {
			if v := params[key]; v != "" {
				*dst = v
			}
		}
		return New(ctx, cfg)
	}
}

func (p *Provider) Name() string { return "kubernetes" }

func (p *Provider) ns() string { return p.cfg.Namespace }

func policyName(sandboxName string) string { return sandboxName + "-egress" }

func (p *Provider) Create(ctx context.Context, name string) (sandbox.Handle, error) {
	pod := buildPod(p.cfg, name)
	created, err := p.clientset.CoreV1().Pods(p.ns()).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return sandbox.Handle{}, fmt.Errorf("create pod %s: %w", name, err)
	}
	if err := p.waitForPodRunning(ctx, name); err != nil {
		p.clientset.CoreV1().Pods(p.ns()).Delete(context.Background(), name, metav1.DeleteOptions{})
		return sandbox.Handle{}, err
	}
	return sandbox.Handle{ID: string(created.UID), Name: name}, nil
}

func (p *Provider) waitForPodRunning(ctx context.Context, name string) error {
	deadline := time.Now().Add(p.readyTimeout)
	for {
		pod, err := p.clientset.CoreV1().Pods(p.ns()).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			switch pod.Status.Phase {
			case corev1.PodRunning:
				return nil
			case corev1.PodFailed, corev1.PodSucceeded:
				return fmt.Errorf("pod %s ended in phase %s", name, pod.Status.Phase)
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pod %s not running after %v", name, p.readyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

func (p *Provider) Attach(ctx context.Context, name string) (sandbox.Handle, error) {
	pod, err := p.clientset.CoreV1().Pods(p.ns()).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return sandbox.Handle{}, fmt.Errorf("attach %s: %w", name, sandbox.ErrNotFound)
		}
		return sandbox.Handle{}, fmt.Errorf("get pod %s: %w", name, err)
	}
	return sandbox.Handle{ID: string(pod.UID), Name: name}, nil
}

func (p *Provider) Destroy(ctx context.Context, h sandbox.Handle) error {
	err := p.clientset.NetworkingV1().NetworkPolicies(p.ns()).Delete(ctx, policyName(h.Name), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		p.log.Warn("delete network policy", "sandbox", h.Name, "err", err)
	}
	err = p.clientset.CoreV1().Pods(p.ns()).Delete(ctx, h.Name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", h.Name, err)
	}
	return nil
}

func (p *Provider) SetNetworkPolicy(ctx context.Context, h sandbox.Handle, policy backend.NetworkPolicy) error {
	np := buildNetworkPolicy(p.ns(), h.Name, policy)
	client := p.clientset.NetworkingV1().NetworkPolicies(p.ns())

	existing, err := client.Get(ctx, np.Name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		_, err = client.Create(ctx, np, metav1.CreateOptions{})
	case err == nil:
		existing.Spec = np.Spec
		_, err = client.Update(ctx, existing, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("apply network policy %s: %w", np.Name, err)
	}
	return nil
}

func (p *Provider) executor(h sandbox.Handle, req sandbox.SpawnRequest) (remotecommand.Executor, error) {
	if p.restConfig == nil {
		return nil, fmt.Errorf("exec unavailable: no rest config")
	}
	argv := req.Argv()
	if len(req.Env) > 0 {
		keys := make([]string, 0, len(req.Env))
		for k := range req.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := []string{"env"}
		for _, k := range keys {
			env = append(env, k+"="+req.Env[k])
		}
		argv = append(env, argv...)
	}

	execReq := p.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(h.Name).
		Namespace(p.ns()).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: containerName,
			Command:   argv,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(p.restConfig, "POST", execReq.URL())
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}
	return exec, nil
}

// exitStatus maps a stream error to an exit code. Errors that carry no exit
// status are returned as is.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(interface{ ExitStatus() int }); ok {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func (p *Provider) Run(ctx context.Context, h sandbox.Handle, req sandbox.SpawnRequest) (sandbox.RunResult, error) {
	exec, err := p.executor(h, req)
	if err != nil {
		return sandbox.RunResult{}, err
	}
	var stdout, stderr bytes.Buffer
	code, err := exitStatus(exec.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr}))
	if err != nil {
		return sandbox.RunResult{}, err
	}
	return sandbox.RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: code}, nil
}

func (p *Provider) Spawn(ctx context.Context, h sandbox.Handle, req sandbox.SpawnRequest) (sandbox.Stream, error) {
	exec, err := p.executor(h, req)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	ch := make(chan sandbox.Message, 16)
	send := func(m sandbox.Message) bool {
		select {
		case ch <- m:
			return true
		case <-sctx.Done():
			return false
		}
	}
	go func() {
		defer close(ch)
		err := exec.StreamWithContext(sctx, remotecommand.StreamOptions{
			Stdout: &messageWriter{typ: sandbox.MsgStdout, send: send},
			Stderr: &messageWriter{typ: sandbox.MsgStderr, send: send},
		})
		code, err := exitStatus(err)
		if err != nil {
			if sctx.Err() == nil {
				send(sandbox.Message{Type: sandbox.MsgError, Message: err.Error()})
			}
			return
		}
		send(sandbox.Message{Type: sandbox.MsgExit, Code: code})
	}()
	return sandbox.NewStream(ch, func() error {
		cancel()
		return nil
	}), nil
}

type messageWriter struct {
	typ  sandbox.MessageType
	send func(sandbox.Message) bool
}

func (w *messageWriter) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	if !w.send(sandbox.Message{Type: w.typ, Data: chunk}) {
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

// --- Resource builders ---

func buildPod(cfg Config, name string) *corev1.Pod {
	limits := corev1.ResourceList{}
	if cfg.Memory != "" {
		limits[corev1.ResourceMemory] = resource.MustParse(cfg.Memory)
	}
	if cfg.CPUs != "" {
		limits[corev1.ResourceCPU] = resource.MustParse(cfg.CPUs)
	}
	grace := int64(0)
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cfg.Namespace,
			Labels:    map[string]string{labelManagedBy: managerName, labelSandbox: name},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			TerminationGracePeriodSeconds: &grace,
			Containers: []corev1.Container{{
				Name:       containerName,
				Image:      cfg.Image,
				Command:    []string{"sleep", "infinity"},
				WorkingDir: "/",
				Resources:  corev1.ResourceRequirements{Limits: limits},
			}},
		},
	}
}

// buildNetworkPolicy selects the sandbox pod and limits its egress. Allow
// rules whose domain is an IP or CIDR become ipBlocks; hostnames cannot be
// expressed in a NetworkPolicy and only contribute their ports. DNS stays
// open so name resolution keeps working under default deny.
func buildNetworkPolicy(ns, name string, policy backend.NetworkPolicy) *networkingv1.NetworkPolicy {
	np := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      policyName(name),
			Namespace: ns,
			Labels:    map[string]string{labelManagedBy: managerName, labelSandbox: name},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{labelSandbox: name}},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
		},
	}
	if !policy.DefaultDeny {
		np.Spec.Egress = []networkingv1.NetworkPolicyEgressRule{{}}
		return np
	}

	udp, tcp := corev1.ProtocolUDP, corev1.ProtocolTCP
	dns := intstr.FromInt32(53)
	np.Spec.Egress = append(np.Spec.Egress, networkingv1.NetworkPolicyEgressRule{
		Ports: []networkingv1.NetworkPolicyPort{{Protocol: &udp, Port: &dns}, {Protocol: &tcp, Port: &dns}},
	})

	for _, rule := range policy.Allow {
		var egress networkingv1.NetworkPolicyEgressRule
		for _, port := range rule.Ports {
			p := intstr.FromInt32(int32(port))
			egress.Ports = append(egress.Ports, networkingv1.NetworkPolicyPort{Protocol: &tcp, Port: &p})
		}
		if cidr, ok := asCIDR(rule.Domain); ok {
			egress.To = []networkingv1.NetworkPolicyPeer{{IPBlock: &networkingv1.IPBlock{CIDR: cidr}}}
		} else if len(egress.Ports) == 0 {
			continue
		}
		np.Spec.Egress = append(np.Spec.Egress, egress)
	}
	return np
}

func asCIDR(s string) (string, bool) {
	if _, n, err := net.ParseCIDR(s); err == nil {
		return n.String(), true
	}
	if ip := net.ParseIP(s); ip != nil {
		if ip.To4() != nil {
			return ip.String() + "/32", true
		}
		return ip.String() + "/128", true
	}
	return "", false
}
