/*
Copyright 2024 The Kubernetes Authors.

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

// Command nodelet is the node agent binary: it bootstraps its client and
// serving credentials, registers itself as a Node, watches Pods
// scheduled to it, and drives each through the per-Pod state machine
// described by pkg/state/common and the concrete workload provider
// (pkg/runtime/vmrun).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/fsnotify.v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	apimachineryruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	v1core "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"
	ctrlsig "sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/nodelet-io/nodelet/pkg/bootstrap"
	agentctx "github.com/nodelet-io/nodelet/pkg/context"
	"github.com/nodelet-io/nodelet/pkg/deviceplugin"
	"github.com/nodelet-io/nodelet/pkg/dispatcher"
	"github.com/nodelet-io/nodelet/pkg/engine"
	"github.com/nodelet-io/nodelet/pkg/node"
	"github.com/nodelet-io/nodelet/pkg/pod"
	"github.com/nodelet-io/nodelet/pkg/provider"
	nodeletrecord "github.com/nodelet-io/nodelet/pkg/record"
	"github.com/nodelet-io/nodelet/pkg/runtime/vmrun"
	"github.com/nodelet-io/nodelet/pkg/session"
	"github.com/nodelet-io/nodelet/pkg/state/common"
	"github.com/nodelet-io/nodelet/pkg/transition"
	"github.com/nodelet-io/nodelet/pkg/volume"
)

// relistInterval is how often the main loop synthesizes a Restarted
// event from a fresh list, independent of the long-lived watch.
const relistInterval = 5 * time.Minute

func main() {
	var (
		nodeName          string
		hostname          string
		nodeIP            string
		port              int
		bootstrapFile     string
		certFile          string
		keyFile           string
		dataDir           string
		maxPods           int
		nodeLabelsRaw     string
		allowLocalModules bool

		vcenterServer   string
		vcenterUser     string
		vcenterPassword string
		vcenterDC       string
		vcenterThumb    string
		vmTemplate      string
		vmFolder        string
		vmDatastore     string
		vmResourcePool  string
		vmNetwork       string
		vmSSHUser       string
		vmSSHPassword   string

		pluginDir string
	)

	defaultHostname, _ := os.Hostname()

	flag.StringVar(&nodeName, "node-name", "", "Node object name (required)")
	flag.StringVar(&hostname, "hostname", defaultHostname, "advertised hostname")
	flag.StringVar(&nodeIP, "node-ip", "", "internal IP for the Node")
	flag.IntVar(&port, "port", 3000, "serving port")
	flag.StringVar(&bootstrapFile, "bootstrap-file", "/etc/nodelet/bootstrap.conf", "bootstrap kubeconfig path")
	flag.StringVar(&certFile, "cert-file", "", "serving cert path; bootstrap writes here if missing")
	flag.StringVar(&keyFile, "private-key-file", "", "serving private key path; bootstrap writes here if missing")
	flag.StringVar(&dataDir, "data-dir", "/var/lib/nodelet", "root for volume temp directories")
	flag.IntVar(&maxPods, "max-pods", 110, "advertised pod capacity")
	flag.StringVar(&nodeLabelsRaw, "node-labels", "", "additional labels, key=value,key=value")
	flag.BoolVar(&allowLocalModules, "x-allow-local-modules", false, "test aid: run the workload provider without a vCenter session")

	flag.StringVar(&vcenterServer, "vcenter-server", os.Getenv("NODELET_VCENTER_SERVER"), "vCenter server the demo workload provider clones VMs from")
	flag.StringVar(&vcenterUser, "vcenter-username", os.Getenv("NODELET_VCENTER_USERNAME"), "vCenter username")
	flag.StringVar(&vcenterPassword, "vcenter-password", os.Getenv("NODELET_VCENTER_PASSWORD"), "vCenter password")
	flag.StringVar(&vcenterDC, "vcenter-datacenter", "", "vCenter datacenter")
	flag.StringVar(&vcenterThumb, "vcenter-thumbprint", os.Getenv("NODELET_VCENTER_THUMBPRINT"), "vCenter TLS certificate SHA-1 thumbprint; empty accepts any certificate")
	flag.StringVar(&vmTemplate, "vm-template", "", "VM template the demo provider clones")
	flag.StringVar(&vmFolder, "vm-folder", "", "vSphere folder for cloned VMs")
	flag.StringVar(&vmDatastore, "vm-datastore", "", "vSphere datastore for cloned VMs")
	flag.StringVar(&vmResourcePool, "vm-resource-pool", "", "vSphere resource pool for cloned VMs")
	flag.StringVar(&vmNetwork, "vm-network", "", "vSphere network for cloned VMs")
	flag.StringVar(&vmSSHUser, "vm-ssh-user", "root", "guest OS user the demo provider runs commands as")
	flag.StringVar(&vmSSHPassword, "vm-ssh-password", os.Getenv("NODELET_VM_SSH_PASSWORD"), "guest OS password")

	flag.StringVar(&pluginDir, "device-plugin-path", "/var/lib/kubelet/device-plugins", "directory device plugin sockets register under")

	flag.Parse()

	log := newLogger()

	if nodeName == "" {
		log.Error(nil, "--node-name is required")
		os.Exit(1)
	}
	if nodeIP == "" {
		nodeIP = defaultRouteIP()
	}
	if certFile == "" {
		certFile = fmt.Sprintf("/etc/nodelet/%s.crt", nodeName)
	}
	if keyFile == "" {
		keyFile = fmt.Sprintf("/etc/nodelet/%s.key", nodeName)
	}

	ctx := ctrlsig.SetupSignalHandler()

	bootstrapper := bootstrap.New(bootstrap.Config{
		NodeName:       nodeName,
		Hostname:       hostname,
		NodeIP:         nodeIP,
		BootstrapFile:  bootstrapFile,
		KubeconfigPath: kubeconfigPath(),
		CertFile:       certFile,
		KeyFile:        keyFile,
	}, log)

	client, err := bootstrapper.Run(ctx)
	if err != nil {
		log.Error(err, "bootstrap failed")
		os.Exit(1)
	}
	watchCertRotation(ctx, log, certFile, keyFile)

	shared := &agentctx.AgentContext{
		Context:  ctx,
		NodeName: nodeName,
		Client:   client,
		Logger:   log,
		Recorder: nodeletrecord.New(newEventRecorder(client, log, "nodelet")),
	}

	registrar := node.New(client, log, node.Config{
		NodeName:   nodeName,
		Hostname:   hostname,
		NodeIP:     nodeIP,
		Arch:       goruntime.GOARCH,
		Port:       int32(port),
		MaxPods:    int32(maxPods),
		UserLabels: parseLabels(nodeLabelsRaw),
	})
	if err := registrar.Create(ctx); err != nil {
		log.Error(err, "creating node failed")
		os.Exit(1)
	}
	go registrar.RunUpdateTicker(ctx)

	devices := deviceplugin.New(log, pluginDir, nodeName)
	go func() {
		if err := devices.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Error(err, "device plugin registration service exited")
		}
	}()
	go devices.RunNodeStatusPatcher(ctx, client)
	go func() {
		if err := devices.WatchPluginDir(ctx); err != nil && ctx.Err() == nil {
			log.Error(err, "device plugin directory watch exited")
		}
	}()

	volumesRoot := dataDir
	if err := os.MkdirAll(volumesRoot, 0o755); err != nil {
		log.Error(err, "creating data dir failed")
		os.Exit(1)
	}
	volumes := volume.NewResolver(client, noCSIPlugins{})

	runtimeProvider, runStates, extendRegistry := buildProvider(log, allowLocalModules, vmrun.Config{
		Template:     vmTemplate,
		Folder:       vmFolder,
		Datastore:    vmDatastore,
		ResourcePool: vmResourcePool,
		Network:      vmNetwork,
		SSHUser:      vmSSHUser,
		SSHPassword:  vmSSHPassword,
	}, session.NewParams().WithServer(vcenterServer).WithDatacenter(vcenterDC).WithUserInfo(vcenterUser, vcenterPassword).WithThumbprint(vcenterThumb))

	reg := common.BuildRegistry()
	extendRegistry(reg)

	states := common.States(common.Deps{
		Provider:            runtimeProvider,
		CrashLoop:           runtimeProvider.(provider.CrashLoopPolicy),
		Devices:             &deviceplugin.Allocator{Manager: devices, Client: client, NodeName: nodeName},
		Volumes:             volumes,
		VolumesRoot:         volumesRoot,
		EnableDevicePlugins: true,
		RunState:            vmrun.Running,
	})
	for name, state := range runStates {
		states[name] = state
	}

	factory := &pod.Factory{
		Client:   client,
		Log:      log,
		Provider: runtimeProvider,
		States:   states,
		Registry: reg,
	}

	hooks := dispatcher.Hooks[*corev1.Pod]{
		KeyOf:                pod.KeyOf,
		HasDeletionTimestamp: pod.HasDeletionTimestamp,
		MinimalForDelete:     pod.MinimalForDelete,
		NewDriver:            factory.NewDriver,
	}

	dispatch := dispatcher.New(hooks, log.WithName("dispatcher"), shared.ShuttingDown)

	events := make(chan dispatcher.WatchEvent[*corev1.Pod], 64)
	go runPodWatch(ctx, log, client, nodeName, events)
	go dispatch.Run(ctx, events)

	<-ctx.Done()
	log.Info("shutdown signal received, draining")
	shared.BeginShutdown()

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := registrar.Drain(drainCtx, node.DrainHooks{
		IsDaemonSetOwned: isDaemonSetOwned,
		IsMirrorPod:      isMirrorPod,
		PatchMirrorPodTerminated: func(ctx context.Context, p *corev1.Pod) error {
			return pod.NewStatusPatcher(client, p.Namespace, p.Name).PatchStatus(ctx, pod.Status{
				Phase: pod.PhaseFailed, Message: "Evicted on node shutdown.",
			})
		},
	}); err != nil {
		log.Error(err, "drain failed")
	}

	session.Clear()
}

// buildProvider constructs the demo workload provider and its RunState
// chain. With --x-allow-local-modules, the vCenter session is skipped:
// the provider is built with a nil session for exercising the state
// machine wiring offline, trading away the Running state's ability to
// actually reach vCenter.
func buildProvider(log logr.Logger, allowLocal bool, cfg vmrun.Config, params *session.Params) (
	provider.PodProvider,
	map[string]engine.State[*pod.ObjectState, *corev1.Pod],
	func(*transition.Registry),
) {
	var sess *session.Session
	if !allowLocal {
		s, err := session.GetOrCreate(context.Background(), params)
		if err != nil {
			log.Error(err, "connecting to vCenter failed; pods will not be runnable")
		} else {
			sess = s
		}
	}

	p := vmrun.New(log, sess, cfg)
	return p, vmrun.RunStates(p), vmrun.RegistryEdges
}

// runPodWatch drives the dispatcher's event stream from a field-selected
// list/watch against Pods scheduled to this node, synthesizing a
// Restarted event on every relist tick per spec §4.2 Resync.
func runPodWatch(ctx context.Context, log logr.Logger, client kubernetes.Interface, nodeName string, events chan<- dispatcher.WatchEvent[*corev1.Pod]) {
	defer close(events)

	selector := fields.OneTermEqualSelector("spec.nodeName", nodeName).String()
	relist := time.NewTicker(relistInterval)
	defer relist.Stop()

	for {
		list, err := client.CoreV1().Pods(corev1.NamespaceAll).List(ctx, metav1.ListOptions{FieldSelector: selector})
		if err != nil {
			log.Error(err, "listing pods for watch")
			if !sleepOrDone(ctx, 2*time.Second) {
				return
			}
			continue
		}
		objs := make([]*corev1.Pod, len(list.Items))
		for i := range list.Items {
			objs[i] = &list.Items[i]
		}
		events <- dispatcher.Restarted(objs)

		w, err := client.CoreV1().Pods(corev1.NamespaceAll).Watch(ctx, metav1.ListOptions{
			FieldSelector:   selector,
			ResourceVersion: list.ResourceVersion,
		})
		if err != nil {
			log.Error(err, "watching pods")
			if !sleepOrDone(ctx, 2*time.Second) {
				return
			}
			continue
		}

		if !drainWatch(ctx, w, relist.C, events) {
			return
		}
	}
}

// drainWatch forwards watch events until the stream ends, ctx is
// cancelled, or the relist ticker fires. Returns false once ctx is
// cancelled.
func drainWatch(ctx context.Context, w watch.Interface, relist <-chan time.Time, events chan<- dispatcher.WatchEvent[*corev1.Pod]) bool {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-relist:
			return true
		case evt, ok := <-w.ResultChan():
			if !ok {
				return true
			}
			p, ok := evt.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			switch evt.Type {
			case watch.Added, watch.Modified:
				events <- dispatcher.Applied(p)
			case watch.Deleted:
				events <- dispatcher.Deleted(p)
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// mirrorPodAnnotation is the well-known annotation a static pod's API
// mirror carries, matching the real kubelet's kubetypes.ConfigMirrorAnnotationKey.
const mirrorPodAnnotation = "kubernetes.io/config.mirror"

func isMirrorPod(p *corev1.Pod) bool {
	_, ok := p.Annotations[mirrorPodAnnotation]
	return ok
}

func isDaemonSetOwned(p *corev1.Pod) bool {
	for _, ref := range p.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

// noCSIPlugins satisfies volume.PluginRegistry when no CSI plugin
// discovery collaborator (explicitly out of this repository's scope per
// spec §1) has registered any sockets.
type noCSIPlugins struct{}

func (noCSIPlugins) SocketFor(string) (string, bool) { return "", false }

func parseLabels(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func kubeconfigPath() string {
	if v := os.Getenv("KUBECONFIG"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return home + "/.kube/config"
}

// defaultRouteIP finds the local address that would be used to reach the
// outside world, without sending any traffic, as a --node-ip fallback.
func defaultRouteIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// newLogger builds the root logr.Logger backed by zap, with verbosity
// driven by NODELET_LOG_LEVEL (debug|info|warn|error), name-agnostic per
// spec §6.
func newLogger() logr.Logger {
	level := zapcore.InfoLevel
	_ = level.Set(strings.ToLower(os.Getenv("NODELET_LOG_LEVEL")))

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	zl, err := cfg.Build()
	if err != nil {
		zl = zap.NewNop()
	}
	return zapr.NewLogger(zl)
}

// newEventRecorder wires a client-go EventRecorder the way CAPV's
// pkg/controller.createRecorder does: a broadcaster logging locally and
// sinking events to the API server.
func newEventRecorder(client kubernetes.Interface, log logr.Logger, source string) record.EventRecorder {
	scheme := apimachineryruntime.NewScheme()
	_ = corev1.AddToScheme(scheme)

	broadcaster := record.NewBroadcaster()
	broadcaster.StartLogging(func(format string, args ...interface{}) {
		log.V(1).Info(fmt.Sprintf(format, args...))
	})
	broadcaster.StartRecordingToSink(&v1core.EventSinkImpl{Interface: client.CoreV1().Events("")})
	return broadcaster.NewRecorder(scheme, corev1.EventSource{Component: source})
}

// watchCertRotation uses fsnotify to watch the serving cert/key pair
// bootstrap wrote, logging when either is rewritten out from under the
// running process (e.g. by an external rotation agent). Consuming
// components are expected to reload on their own schedule; this only
// surfaces the signal.
func watchCertRotation(ctx context.Context, log logr.Logger, certFile, keyFile string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error(err, "starting certificate rotation watcher failed")
		return
	}
	for _, f := range []string{certFile, keyFile} {
		if err := watcher.Add(f); err != nil {
			log.V(1).Info("not watching for rotation", "file", f, "err", err.Error())
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) != 0 {
					log.Info("serving certificate material changed on disk", "file", ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error(err, "certificate rotation watcher error")
			}
		}
	}()
}
