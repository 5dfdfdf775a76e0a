/*
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

// Package v1beta1 carries a trimmed TargetGroupBinding type: only the
// fields exposure detection actually reads (target type, service
// reference). The full CRD (networking rules, IP address type, VPC id,
// and so on) belongs to a load-balancer controller this system is not; see
// DESIGN.md for why the rest of that type was not carried over.
package v1beta1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// GroupVersion identifies this API group for scheme registration.
var GroupVersion = schema.GroupVersion{Group: "elbv2.k8s.aws", Version: "v1beta1"}

// TargetHealthPodConditionTypePrefix is the prefix of the pod readiness gate
// condition type the load balancer controller sets on pods bound to an IP
// target group. A pod carrying one of these conditions has been exposed via
// a TargetGroupBinding at some point even if that TGB later disappears.
const TargetHealthPodConditionTypePrefix = "target-health.elbv2.k8s.aws"

// TargetType is the targetType of a TargetGroup.
type TargetType string

const (
	TargetTypeInstance TargetType = "instance"
	TargetTypeIP       TargetType = "ip"
)

// ServiceReference points at a Kubernetes Service and its ServicePort.
type ServiceReference struct {
	Name string             `json:"name"`
	Port intstr.IntOrString `json:"port"`
}

// TargetGroupBindingSpec is the part of the object exposure detection reads.
type TargetGroupBindingSpec struct {
	TargetGroupARN string             `json:"targetGroupARN"`
	TargetType     *TargetType        `json:"targetType,omitempty"`
	ServiceRef     ServiceReference   `json:"serviceRef"`
}

// TargetGroupBinding binds a TargetGroup to a Kubernetes Service.
// +kubebuilder:object:root=true
type TargetGroupBinding struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
	Spec              TargetGroupBindingSpec `json:"spec,omitempty"`
}

// TargetGroupBindingList is a list of TargetGroupBinding.
// +kubebuilder:object:root=true
type TargetGroupBindingList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []TargetGroupBinding `json:"items"`
}
