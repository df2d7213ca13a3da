// Package kubernetes is what kudu knows about the cluster it runs in:
// enough to find the workload it belongs to, read the secrets and
// config maps describing the site, and start a build worker pod.
package kubernetes

import (
	"fmt"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/fluxcd/kudu/pkg/metrics"
)

// NewClientset connects to the cluster. Inside a pod, the service
// account is used; otherwise the kubeconfig given, or failing that the
// usual kubeconfig loading rules (including $KUBECONFIG).
func NewClientset(kubeconfig string, insecure bool) (kubernetes.Interface, error) {
	config, err := restConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	if insecure {
		config.TLSClientConfig.Insecure = true
		config.TLSClientConfig.CAFile = ""
		config.TLSClientConfig.CAData = nil
	}
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "creating kubernetes client")
	}
	return client, nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		return config, errors.Wrapf(err, "loading kubeconfig %s", kubeconfig)
	}
	if config, err := rest.InClusterConfig(); err == nil {
		return config, nil
	}
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{},
	).ClientConfig()
	return config, errors.Wrap(err, "loading kubeconfig")
}

type Cluster struct {
	client kubernetes.Interface
	logger log.Logger
}

func New(client kubernetes.Interface, logger log.Logger) *Cluster {
	return &Cluster{client: client, logger: log.With(logger, "component", "cluster")}
}

// Deployment fetches the workload called name.
func (c *Cluster) Deployment(namespace, name string) (*appsv1.Deployment, error) {
	d, err := c.client.AppsV1().Deployments(namespace).Get(name, metav1.GetOptions{})
	observe("deployment", err)
	if err != nil {
		return nil, objectError("deployment", namespace, name, err)
	}
	return d, nil
}

// SecretValues reads the keys given from a secret. It's an error for
// any of them to be missing or empty.
func (c *Cluster) SecretValues(namespace, name string, keys ...string) (map[string]string, error) {
	s, err := c.client.CoreV1().Secrets(namespace).Get(name, metav1.GetOptions{})
	observe("secret", err)
	if err != nil {
		return nil, objectError("secret", namespace, name, err)
	}
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		v := string(s.Data[k])
		if v == "" {
			v = s.StringData[k]
		}
		if v == "" {
			return nil, MissingKeyError(qualified("secret", namespace, name), k)
		}
		values[k] = v
	}
	return values, nil
}

// ConfigMapValue reads key from the config map referred to as
// "namespace/name".
func (c *Cluster) ConfigMapValue(ref, key string) (string, error) {
	namespace, name, err := SplitRef(ref)
	if err != nil {
		return "", err
	}
	cm, err := c.client.CoreV1().ConfigMaps(namespace).Get(name, metav1.GetOptions{})
	observe("configmap", err)
	if err != nil {
		return "", objectError("configmap", namespace, name, err)
	}
	v := cm.Data[key]
	if v == "" {
		return "", MissingKeyError(qualified("configmap", namespace, name), key)
	}
	return v, nil
}

func (c *Cluster) CreatePod(pod *corev1.Pod) (*corev1.Pod, error) {
	created, err := c.client.CoreV1().Pods(pod.Namespace).Create(pod)
	observe("pod", err)
	if err != nil {
		return nil, errors.Wrapf(err, "creating pod %s/%s", pod.Namespace, pod.Name)
	}
	c.logger.Log("info", "created pod", "pod", created.Namespace+"/"+created.Name, "image", podImage(created))
	return created, nil
}

// ContainerImage is the image of the named container in the workload's
// pod template.
func ContainerImage(d *appsv1.Deployment, container string) (string, error) {
	for _, ctr := range d.Spec.Template.Spec.Containers {
		if ctr.Name == container {
			return ctr.Image, nil
		}
	}
	return "", ObjectMissingError(qualified("deployment", d.Namespace, d.Name)+" container "+container,
		fmt.Errorf("deployment %s has no container %q", d.Name, container))
}

// SplitRef splits a "namespace/name" reference.
func SplitRef(ref string) (namespace, name string, err error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ObjectMissingError(ref, fmt.Errorf("expected namespace/name, got %q", ref))
	}
	return parts[0], parts[1], nil
}

func objectError(kind, namespace, name string, err error) error {
	obj := qualified(kind, namespace, name)
	if apierrors.IsNotFound(err) {
		return ObjectMissingError(obj, err)
	}
	return errors.Wrapf(err, "reading %s", obj)
}

func qualified(kind, namespace, name string) string {
	return kind + " " + namespace + "/" + name
}

func observe(kind string, err error) {
	apiCalls.With("kind", kind, metrics.LabelSuccess, fmt.Sprint(err == nil)).Add(1)
}

func podImage(pod *corev1.Pod) string {
	if len(pod.Spec.Containers) == 0 {
		return ""
	}
	return pod.Spec.Containers[0].Image
}
