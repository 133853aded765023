/*
Copyright 2019 The Kubernetes Authors.

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

// Package session creates and caches vCenter sessions for
// pkg/runtime/vmrun, the demo provider that drives a govmomi VM in
// place of the spec's explicitly out-of-scope WASM runtime. Trimmed
// from CAPV's own pkg/session down to the surface vmrun actually
// drives: a Finder-backed client and instance-UUID lookup, dropping
// the REST tagging manager CAPV needs for its vSphere-cluster
// inventory but vmrun has no use for.
package session

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/session/keepalive"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/soap"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// userAgent identifies this session's client to vCenter, in place of
// CAPV's own infrav1.GroupVersion.String().
const userAgent = "nodelet.io/vmrun"

// DefaultEnableKeepAlive and DefaultKeepAliveDuration replace the
// values CAPV sources from its pkg/constants package.
const (
	DefaultEnableKeepAlive   = true
	DefaultKeepAliveDuration = 5 * time.Minute
)

// VCenterVersion is the vCenter release series a Session is talking to.
type VCenterVersion string

// NewVCenterVersion wraps a raw vCenter version string.
func NewVCenterVersion(v string) VCenterVersion { return VCenterVersion(v) }

// unidentifiedVCenterVersion reports a vCenter release this package
// doesn't recognize. vmrun.New logs this rather than failing startup,
// since an unrecognized vCenter may still work for cloning VMs.
type unidentifiedVCenterVersion struct{ version string }

func (e unidentifiedVCenterVersion) Error() string {
	return fmt.Sprintf("unidentified vCenter version: %s", e.version)
}

const (
	metricNameSpace            = "session"
	metricLabelServer          = "server"
	metricLabelDC              = "dc"
	metricLabelUsername        = "username"
	metricLabelOperationType   = "operation"
	metricLabelGetOperation    = "get"
	metricLabelCreateOperation = "create"
	metricLabelDeleteOperation = "delete"
	metricLabelSessionKey      = "sessionKey"
)

var (
	// global Session map against sessionKeys in map[sessionKey]Session.
	sessionCache sync.Map

	// mutex to control access to the GetOrCreate function to avoid duplicate
	// session creations on startup.
	sessionMU sync.Mutex

	// sessionCacheMetric tracks the number of cached sessions.
	sessionCacheMetric = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricNameSpace,
			Name:      "cached_num",
		},
		[]string{},
	)

	// sessionOperationMetric tracks get/create/delete operations against
	// the session cache, labeled by the vCenter endpoint they target.
	sessionOperationMetric = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNameSpace,
			Name:      "operation",
		},
		[]string{
			metricLabelServer,
			metricLabelDC,
			metricLabelUsername,
			metricLabelOperationType,
		},
	)
)

// Session is a vSphere session with a configured Finder, scoped to the
// datacenter vmrun clones VMs into.
type Session struct {
	*govmomi.Client
	Finder     *find.Finder
	datacenter *object.Datacenter
}

// Feature is a set of Features of the session.
type Feature struct {
	EnableKeepAlive   bool
	KeepAliveDuration time.Duration
}

// DefaultFeature sets the default values for features.
func DefaultFeature() Feature {
	return Feature{
		EnableKeepAlive:   DefaultEnableKeepAlive,
		KeepAliveDuration: DefaultKeepAliveDuration,
	}
}

// Params are the parameters of a VCenter session.
type Params struct {
	server     string
	datacenter string
	userinfo   *url.Userinfo
	thumbprint string
	feature    Feature
}

func init() {
	metrics.Registry.MustRegister(sessionCacheMetric, sessionOperationMetric)
	ticker := time.NewTicker(1 * time.Minute)

	go func() {
		for range ticker.C {
			size := 0
			sessionCache.Range(func(key, value interface{}) bool {
				size++
				return true
			})
			sessionCacheMetric.With(prometheus.Labels{}).Set(float64(size))
		}
	}()
}

// NewParams returns an empty set of parameters with default features.
func NewParams() *Params {
	return &Params{
		feature: DefaultFeature(),
	}
}

// WithServer adds a server to parameters.
func (p *Params) WithServer(server string) *Params {
	p.server = server
	return p
}

// WithDatacenter adds a datacenter to parameters.
func (p *Params) WithDatacenter(datacenter string) *Params {
	p.datacenter = datacenter
	return p
}

// WithUserInfo adds userinfo to parameters.
func (p *Params) WithUserInfo(username, password string) *Params {
	p.userinfo = url.UserPassword(username, password)
	return p
}

// WithThumbprint pins the vCenter TLS certificate's SHA-1 thumbprint.
// Leaving it empty accepts any certificate, which is only appropriate
// against the demo provider's local vcsim-backed runs.
func (p *Params) WithThumbprint(thumbprint string) *Params {
	p.thumbprint = thumbprint
	return p
}

// WithFeatures adds features to parameters.
func (p *Params) WithFeatures(feature Feature) *Params {
	p.feature = feature
	return p
}

// GetOrCreate gets a cached session or creates a new one if one does not
// already exist.
func GetOrCreate(ctx context.Context, params *Params) (*Session, error) {
	logger := ctrl.LoggerFrom(ctx).WithName("session").WithValues(
		"server", params.server,
		"datacenter", params.datacenter,
		"username", params.userinfo.Username())
	ctx = ctrl.LoggerInto(ctx, logger)

	sessionMU.Lock()
	defer sessionMU.Unlock()

	userPassword, _ := params.userinfo.Password()
	h := sha256.New()
	h.Write([]byte(userPassword))
	hashedUserPassword := h.Sum(nil)
	sessionKey := fmt.Sprintf("%s#%s#%s#%x", params.server, params.datacenter, params.userinfo.Username(),
		hashedUserPassword)
	sessionOperationMetric.With(prometheus.Labels{
		metricLabelServer:        params.server,
		metricLabelDC:            params.datacenter,
		metricLabelUsername:      params.userinfo.Username(),
		metricLabelOperationType: metricLabelGetOperation,
	}).Inc()
	if cachedSession, ok := sessionCache.Load(sessionKey); ok {
		s := cachedSession.(*Session)

		// Retrieve the current session from Managed Object.
		// The userSession is active when the value is not nil.
		userSession, err := s.SessionManager.UserSession(ctx)
		if err != nil {
			logger.Error(err, "unable to check if vim session is active")
		}

		if userSession != nil {
			logger.V(2).Info("found active cached vSphere client session")
			return s, nil
		}

		logger.V(2).Info("logout the session because it is inactive")
		if err := s.Client.Logout(ctx); err != nil {
			logger.Error(err, "unable to logout session")
		} else {
			logger.Info("logout session succeed")
		}
	}

	sessionOperationMetric.With(prometheus.Labels{
		metricLabelServer:        params.server,
		metricLabelDC:            params.datacenter,
		metricLabelUsername:      params.userinfo.Username(),
		metricLabelOperationType: metricLabelCreateOperation,
	}).Inc()

	// soap.ParseURL expects a valid URL. In the case of a bare, unbracketed
	// IPv6 address (e.g fd00::1) ParseURL will fail. Surround unbracketed IPv6
	// addresses with brackets.
	urlSafeServer := params.server
	ip, err := netip.ParseAddr(urlSafeServer)
	if err == nil && ip.Is6() {
		urlSafeServer = fmt.Sprintf("[%s]", urlSafeServer)
	}

	soapURL, err := soap.ParseURL(urlSafeServer)
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing vSphere URL %q", params.server)
	}
	if soapURL == nil {
		return nil, errors.Errorf("error parsing vSphere URL %q", params.server)
	}

	soapURL.User = params.userinfo
	client, err := newClient(ctx, logger, sessionKey, soapURL, params.thumbprint, params.feature)
	if err != nil {
		return nil, err
	}

	sess := Session{Client: client}
	sess.UserAgent = userAgent

	// Assign the finder to the session.
	sess.Finder = find.NewFinder(sess.Client.Client, false)

	// Assign the datacenter if one was specified.
	if params.datacenter != "" {
		dc, err := sess.Finder.Datacenter(ctx, params.datacenter)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to find datacenter %q", params.datacenter)
		}
		sess.datacenter = dc
		sess.Finder.SetDatacenter(dc)
	}
	// Cache the session.
	sessionCache.Store(sessionKey, &sess)

	logger.V(2).Info("cached vSphere client session", "server", params.server, "datacenter", params.datacenter)

	return &sess, nil
}

func newClient(ctx context.Context, logger logr.Logger, sessionKey string, url *url.URL, thumbprint string, feature Feature) (*govmomi.Client, error) {
	insecure := thumbprint == ""
	soapClient := soap.NewClient(url, insecure)
	if !insecure {
		soapClient.SetThumbprint(url.Host, thumbprint)
	}

	vimClient, err := vim25.NewClient(ctx, soapClient)
	if err != nil {
		return nil, err
	}
	vimClient.UserAgent = userAgent

	c := &govmomi.Client{
		Client:         vimClient,
		SessionManager: session.NewManager(vimClient),
	}

	if feature.EnableKeepAlive {
		vimClient.RoundTripper = session.KeepAliveHandler(vimClient.RoundTripper, feature.KeepAliveDuration, func(tripper soap.RoundTripper) error {
			_, err := methods.GetCurrentTime(ctx, tripper)
			if err != nil {
				logger.Error(err, "failed to keep alive govmomi client")
				logger.Info("clearing the session")
				sessionOperationMetric.With(prometheus.Labels{
					metricLabelSessionKey:    sessionKey,
					metricLabelOperationType: metricLabelDeleteOperation,
				}).Inc()
				sessionCache.Delete(sessionKey)
			}
			return err
		})
	}

	if err := c.Login(ctx, url.User); err != nil {
		return nil, err
	}

	return c, nil
}

// GetVersion returns the VCenterVersion, or unidentifiedVCenterVersion
// if the major version isn't one vmrun has been validated against.
func (s *Session) GetVersion() (VCenterVersion, error) {
	svcVersion := s.ServiceContent.About.Version
	version, err := semver.New(svcVersion)
	if err != nil {
		return "", err
	}

	switch version.Major {
	case 6, 7, 8:
		return NewVCenterVersion(svcVersion), nil
	default:
		return "", unidentifiedVCenterVersion{version: svcVersion}
	}
}

// Clear logs out and drops every cached session. Called once from the
// binary's shutdown path after the last provider Stop has run.
func Clear() {
	sessionCache.Range(func(key, s any) bool {
		cachedSession := s.(*Session)
		_ = cachedSession.Logout(context.Background())
		sessionCache.Delete(key)
		return true
	})
}

// FindByInstanceUUID finds an object by the instance UUID vmrun stamps
// onto each cloned VM's VirtualMachineConfigSpec (see
// vmrun.provisionVM), letting the provider re-locate a Pod's VM across
// restarts or Pod-name collisions without depending on its display
// name.
func (s *Session) FindByInstanceUUID(ctx context.Context, uuid string) (object.Reference, error) {
	if s.Client == nil {
		return nil, errors.New("vSphere client is not initialized")
	}
	instanceUUID := true
	si := object.NewSearchIndex(s.Client.Client)
	ref, err := si.FindByUuid(ctx, s.datacenter, uuid, true, &instanceUUID)
	if err != nil {
		return nil, errors.Wrapf(err, "error finding object by instance uuid %q", uuid)
	}
	return ref, nil
}
