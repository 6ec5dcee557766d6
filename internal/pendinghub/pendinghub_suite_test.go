package pendinghub

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestPendingHub(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "PendingHub Suite")
}
