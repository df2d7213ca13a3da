package kubernetes

import (
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	kuduerr "github.com/fluxcd/kudu/pkg/errors"
)

func testCluster(objs ...runtime.Object) *Cluster {
	return New(fake.NewSimpleClientset(objs...), log.NewNopLogger())
}

func TestDeploymentAndImage(t *testing.T) {
	c := testCluster(&appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "myapp", Namespace: "apps"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{Name: "web", Image: "registry.example/web:1"},
						{Name: "build-service", Image: "registry.example/app:1.2.3"},
					},
				},
			},
		},
	})

	d, err := c.Deployment("apps", "myapp")
	require.NoError(t, err)
	image, err := ContainerImage(d, "build-service")
	require.NoError(t, err)
	assert.Equal(t, "registry.example/app:1.2.3", image)

	_, err = ContainerImage(d, "missing")
	assert.True(t, kuduerr.Is(err, kuduerr.Dispatch))

	_, err = c.Deployment("apps", "other")
	assert.True(t, kuduerr.Is(err, kuduerr.Dispatch))
}

func TestSecretValues(t *testing.T) {
	c := testCluster(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "myapp", Namespace: "apps"},
		Data: map[string][]byte{
			"user":     []byte("$myapp"),
			"password": []byte("hunter2"),
		},
	})

	vals, err := c.SecretValues("apps", "myapp", "user", "password")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"user": "$myapp", "password": "hunter2"}, vals)

	_, err = c.SecretValues("apps", "myapp", "user", "token")
	assert.True(t, kuduerr.Is(err, kuduerr.Dispatch))
	assert.Contains(t, err.Error(), "token")
}

func TestConfigMapValue(t *testing.T) {
	c := testCluster(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "custom", Namespace: "kudu"},
		Data:       map[string]string{"defaultDnsSuffix": "contoso.net"},
	})

	v, err := c.ConfigMapValue("kudu/custom", "defaultDnsSuffix")
	require.NoError(t, err)
	assert.Equal(t, "contoso.net", v)

	_, err = c.ConfigMapValue("kudu/custom", "other")
	assert.Error(t, err)
	_, err = c.ConfigMapValue("custom", "defaultDnsSuffix")
	assert.Error(t, err)
	_, err = c.ConfigMapValue("kudu/absent", "defaultDnsSuffix")
	assert.True(t, kuduerr.Is(err, kuduerr.Dispatch))
}

func TestCreatePod(t *testing.T) {
	client := fake.NewSimpleClientset()
	c := New(client, log.NewNopLogger())
	_, err := c.CreatePod(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "build-job-abcd", Namespace: "apps"},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "build", Image: "registry.example/kudu-build-job:1"}},
		},
	})
	require.NoError(t, err)

	pods, err := client.CoreV1().Pods("apps").List(metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, pods.Items, 1)
	assert.Equal(t, "build-job-abcd", pods.Items[0].Name)
}

func TestSplitRef(t *testing.T) {
	ns, name, err := SplitRef("a/b")
	require.NoError(t, err)
	assert.Equal(t, "a", ns)
	assert.Equal(t, "b", name)

	for _, bad := range []string{"", "a", "a/", "/b", "a/b/c"} {
		_, _, err := SplitRef(bad)
		assert.Error(t, err, bad)
	}
}
