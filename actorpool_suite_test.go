package actorpool_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestActorpool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "actorpool")
}
