package policy

// DefaultPolicyDocument is the document active until the host installs its
// own. It allows every endpoint, matching the behavior of an agent built
// without policy support, but still fails closed for endpoints added to the
// protocol without a corresponding rule.
const DefaultPolicyDocument = `package agent_policy

default AddARPNeighborsRequest := true
default CopyFileRequest := true
default CreateContainerRequest := true
default CreateSandboxRequest := true
default DestroySandboxRequest := true
default ExecProcessRequest := true
default GetGuestDetailsRequest := true
default NegotiateProtocolRequest := true
default RemoveContainerRequest := true
default SetPolicyRequest := true
default SignalProcessRequest := true
default StartContainerRequest := true
default TtyWinResizeRequest := true
default UpdateInterfaceRequest := true
default UpdateRoutesRequest := true
default WaitProcessRequest := true

default AllowRequestsFailingPolicy := false
`
