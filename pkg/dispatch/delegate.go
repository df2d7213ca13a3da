package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/go-kit/kit/log"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/fluxcd/kudu/pkg/cluster/kubernetes"
	"github.com/fluxcd/kudu/pkg/env"
	kuduerr "github.com/fluxcd/kudu/pkg/errors"
)

const (
	// BuildServiceContainer is the container in the site's workload
	// whose image decides the version of the worker image.
	BuildServiceContainer = "build-service"
	// WorkerRepository is the repository, in the build service's
	// registry, holding the worker image.
	WorkerRepository = "kudu-build-job"

	workerPodPrefix   = "build-job-"
	workerContainer   = "container"
	dnsSuffixKey      = "defaultDnsSuffix"
	secretUserKey     = "user"
	secretPasswordKey = "password"
	defaultWorkerBin  = "kudu"
)

// Cluster is what the delegator needs from the cluster.
type Cluster interface {
	Deployment(namespace, name string) (*appsv1.Deployment, error)
	SecretValues(namespace, name string, keys ...string) (map[string]string, error)
	ConfigMapValue(ref, key string) (string, error)
	CreatePod(pod *corev1.Pod) (*corev1.Pod, error)
}

// WorkerSpec is everything needed to create a worker pod. It's made
// afresh for each delegated build.
type WorkerSpec struct {
	Namespace      string
	Name           string
	Image          string
	Command        []string
	Env            []corev1.EnvVar
	EnvFrom        []corev1.EnvFromSource
	ServiceAccount string
}

// Delegator hands a build to a worker pod.
type Delegator struct {
	Cluster         Cluster
	Env             env.Environment
	Namespace       string
	Workload        string
	CustomConfigMap string
	// WorkerBinary is the kudu executable in the worker image.
	WorkerBinary string
	// VerifyImage, if set, is asked whether the worker image exists
	// before a pod is made to run it.
	VerifyImage func(ref name.Reference) error
	Logger      log.Logger

	podName func() string
}

// NewDelegator reads what it needs to know about the workload from the
// environment. It's an error for any of it to be missing.
func NewDelegator(c Cluster, e env.Environment, getenv func(string) string, logger log.Logger) (*Delegator, error) {
	d := &Delegator{
		Cluster:         c,
		Env:             e,
		Namespace:       strings.TrimSpace(getenv(NamespaceVar)),
		Workload:        strings.TrimSpace(getenv(WorkloadVar)),
		CustomConfigMap: strings.TrimSpace(getenv(CustomConfigMapVar)),
		WorkerBinary:    defaultWorkerBin,
		Logger:          log.With(logger, "component", "dispatch"),
	}
	for _, v := range [][2]string{
		{NamespaceVar, d.Namespace},
		{WorkloadVar, d.Workload},
		{CustomConfigMapVar, d.CustomConfigMap},
	} {
		if v[1] == "" {
			return nil, kuduerr.DispatchError(fmt.Errorf("%s is not set", v[0]))
		}
	}
	if isTrue(getenv(VerifyImageVar)) {
		d.VerifyImage = ImageExists
	}
	return d, nil
}

// WorkerImage is the worker image that goes with the build service
// image given: the same registry and tag, in the worker repository.
func WorkerImage(buildServiceImage string) (name.Tag, error) {
	tag, err := name.NewTag(buildServiceImage)
	if err != nil {
		return name.Tag{}, errors.Wrapf(err, "parsing image %q", buildServiceImage)
	}
	return name.NewTag(fmt.Sprintf("%s/%s:%s", tag.RegistryStr(), WorkerRepository, tag.TagStr()))
}

// GitURI is the address a worker fetches the site repository from.
// The credentials are escaped, with '$' as %24 as well.
func GitURI(app, user, password, dnsSuffix string) string {
	host := fmt.Sprintf("%s.scm.%s.%s", app, app, dnsSuffix)
	userinfo := strings.Replace(url.UserPassword(user, password).String(), "$", "%24", -1)
	return fmt.Sprintf("https://%s@%s/%s.git", userinfo, host, app)
}

// ImageExists asks the image's registry for its manifest.
func ImageExists(ref name.Reference) error {
	_, err := remote.Image(ref, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	return errors.Wrapf(err, "looking up %s", ref)
}

// Spec works out the worker pod for a build. Nothing is created in the
// cluster.
func (d *Delegator) Spec(deployer string) (*WorkerSpec, error) {
	workload, err := d.Cluster.Deployment(d.Namespace, d.Workload)
	if err != nil {
		return nil, dispatchError(err)
	}
	buildImage, err := kubernetes.ContainerImage(workload, BuildServiceContainer)
	if err != nil {
		return nil, dispatchError(err)
	}
	image, err := WorkerImage(buildImage)
	if err != nil {
		return nil, kuduerr.DispatchError(err)
	}
	if d.VerifyImage != nil {
		if err := d.VerifyImage(image); err != nil {
			return nil, kuduerr.DispatchError(err)
		}
	}

	creds, err := d.Cluster.SecretValues(d.Namespace, d.Env.AppName, secretUserKey, secretPasswordKey)
	if err != nil {
		return nil, dispatchError(err)
	}
	suffix, err := d.Cluster.ConfigMapValue(d.CustomConfigMap, dnsSuffixKey)
	if err != nil {
		return nil, dispatchError(err)
	}
	_, customName, _ := kubernetes.SplitRef(d.CustomConfigMap)

	uri := GitURI(d.Env.AppName, creds[secretUserKey], creds[secretPasswordKey], suffix)
	args := []string{d.WorkerBinary, "run", d.Env.SiteRootPath, uri}
	if deployer != "" {
		args = append(args, deployer)
	}
	script := fmt.Sprintf("mkdir -p %s && exec %s",
		shellescape.Quote(d.Env.SiteRootPath), shellescape.QuoteCommand(args))

	return &WorkerSpec{
		Namespace: d.Namespace,
		Name:      d.newPodName(),
		Image:     image.String(),
		Command:   []string{"/bin/sh", "-c", script},
		Env: []corev1.EnvVar{
			fieldEnv("SYSTEM_NAMESPACE", "metadata.namespace"),
			fieldEnv("POD_NAME", "metadata.name"),
			fieldEnv(NamespaceVar, "metadata.namespace"),
			{Name: IsBuildJobVar, Value: "true"},
		},
		EnvFrom: []corev1.EnvFromSource{
			{ConfigMapRef: &corev1.ConfigMapEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: d.Workload}}},
			{SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: d.Env.AppName}}},
			{ConfigMapRef: &corev1.ConfigMapEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: customName}}},
		},
		ServiceAccount: d.Workload,
	}, nil
}

// Dispatch submits a worker pod for the build, and doesn't wait for
// it.
func (d *Delegator) Dispatch(ctx context.Context, deployer string) (*corev1.Pod, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec, err := d.Spec(deployer)
	if err != nil {
		observeDispatch(Delegate, err)
		return nil, err
	}
	pod, err := d.Cluster.CreatePod(spec.Pod())
	observeDispatch(Delegate, err)
	if err != nil {
		return nil, kuduerr.DispatchError(err)
	}
	d.Logger.Log("info", "build delegated", "pod", pod.Namespace+"/"+pod.Name, "image", spec.Image)
	return pod, nil
}

func (d *Delegator) newPodName() string {
	if d.podName != nil {
		return d.podName()
	}
	return workerPodPrefix + uuid.New().String()[:4]
}

// Pod is the pod the spec describes.
func (s *WorkerSpec) Pod() *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.Name,
			Namespace: s.Namespace,
			Labels:    map[string]string{"app.kubernetes.io/component": WorkerRepository},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: s.ServiceAccount,
			Containers: []corev1.Container{{
				Name:            workerContainer,
				Image:           s.Image,
				Command:         s.Command,
				Env:             s.Env,
				EnvFrom:         s.EnvFrom,
				ImagePullPolicy: corev1.PullAlways,
			}},
		},
	}
}

// dispatchError makes sure err is reported as a dispatch failure,
// keeping any help it already has.
func dispatchError(err error) error {
	if kuduerr.Is(err, kuduerr.Dispatch) {
		return err
	}
	return kuduerr.DispatchError(err)
}

func fieldEnv(name, path string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			FieldRef: &corev1.ObjectFieldSelector{APIVersion: "v1", FieldPath: path},
		},
	}
}
