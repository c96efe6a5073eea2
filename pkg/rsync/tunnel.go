package rsync

import (
	"fmt"
	"net/http"

	"k8s.io/client-go/kubernetes"
	restclient "k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-builds/pkg/api"
)

// openPortForward forwards an ephemeral local port to remotePort of the
// given pod and returns the local port plus a stop function. The forwarder
// runs until stop is called.
func openPortForward(config *restclient.Config, client kubernetes.Interface, namespace, pod string, remotePort int) (int, func(), error) {
	transport, upgrader, err := spdy.RoundTripperFor(config)
	if err != nil {
		return 0, nil, &api.TransportError{Op: "creating port-forward transport", Err: err}
	}

	req := client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("portforward")
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, "POST", req.URL())

	stopCh := make(chan struct{})
	readyCh := make(chan struct{})
	fw, err := portforward.New(dialer,
		[]string{fmt.Sprintf("0:%d", remotePort)},
		stopCh, readyCh, nil, nil)
	if err != nil {
		return 0, nil, &api.TransportError{Op: "creating port-forwarder", Err: err}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- fw.ForwardPorts()
	}()

	select {
	case err := <-errCh:
		return 0, nil, &api.TransportError{Op: fmt.Sprintf("port-forwarding to pod %s/%s", namespace, pod), Err: err}
	case <-readyCh:
	}

	ports, err := fw.GetPorts()
	if err != nil || len(ports) == 0 {
		close(stopCh)
		return 0, nil, &api.TransportError{Op: "resolving forwarded port", Err: err}
	}

	stop := func() {
		close(stopCh)
		if err := <-errCh; err != nil {
			klog.V(4).Infof("Port-forward to %s/%s ended with: %v", namespace, pod, err)
		}
	}
	return int(ports[0].Local), stop, nil
}
